package txlog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
)

// Record framing, little-endian like the segment machinery it came
// from:
//
//	u32 payload length
//	u32 crc32-Castagnoli of the payload
//	payload: i64 seqno + writeset bytes, zero-padded to the frame size
const frameSizeBytes = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type encoder struct {
	file *os.File
}

func makeEncoder(file *os.File) *encoder {
	return &encoder{file: file}
}

// encode writes one framed record and returns the bytes consumed on
// disk including padding.
func (e *encoder) encode(seqno int64, ws []byte) (int, error) {
	payload := make([]byte, 8+len(ws))
	binary.LittleEndian.PutUint64(payload, uint64(seqno))
	copy(payload[8:], ws)

	length := int32(len(payload))
	padded := ceil(length, frameSizeBytes)

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header, uint32(length))
	binary.LittleEndian.PutUint32(header[4:], crc32.Checksum(payload, crcTable))

	if _, err := e.file.Write(header); err != nil {
		return 0, err
	}
	if _, err := e.file.Write(payload); err != nil {
		return 0, err
	}
	if padded > length {
		if _, err := e.file.Write(make([]byte, padded-length)); err != nil {
			return 0, err
		}
	}
	return len(header) + int(padded), nil
}

// replaySegment streams records out of one segment file. It returns
// the last intact seqno and the byte offset past it, so an append can
// resume over a torn tail.
func replaySegment(path string, fn func(seqno int64, ws []byte)) (last int64, valid int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	br := bufio.NewReader(file)
	for {
		var header [8]byte
		if _, err := io.ReadFull(br, header[:]); err != nil {
			// end of segment, or preallocated space
			return last, valid, nil
		}
		length := int32(binary.LittleEndian.Uint32(header[:]))
		crc := binary.LittleEndian.Uint32(header[4:])
		if length == 0 {
			return last, valid, nil
		}

		padded := ceil(length, frameSizeBytes)
		data := make([]byte, padded)
		if _, err := io.ReadFull(br, data); err != nil {
			// torn tail record: everything before it is good
			return last, valid, nil
		}
		payload := data[:length]
		if crc32.Checksum(payload, crcTable) != crc {
			return last, valid, nil
		}
		if length < 8 {
			return 0, 0, ErrShortRecord
		}

		seqno := int64(binary.LittleEndian.Uint64(payload))
		if fn != nil {
			fn(seqno, payload[8:])
		}
		last = seqno
		valid += int64(len(header)) + int64(padded)
	}
}

func ceil(length, padding int32) int32 {
	return (length + padding - 1) / padding * padding
}
