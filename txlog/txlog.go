// Package txlog is an append-only on-disk journal of committed
// writesets, keyed by seqno. The replicated store itself has no
// durability requirement; the journal exists for auditing and for
// seeding recovery tooling. Records are crc-checked and written to
// size-capped segment files.
package txlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	// SegmentSizeBytes caps one segment file. Exported so tests can
	// force rotation with small writesets.
	SegmentSizeBytes int64 = 16 * 1000 * 1000

	ErrOutOfOrder  = errors.New("txlog: append out of seqno order")
	ErrShortRecord = errors.New("txlog: truncated record")
	ErrBadSegment  = errors.New("txlog: unparseable segment name")
)

const segmentSuffix = ".txlog"

// Log is an open journal. Not safe for concurrent use; the caller
// serializes appends (the commit-order section already does).
type Log struct {
	dir       string
	lastSeqno int64
	size      int64
	segment   int64
	file      *os.File
	enc       *encoder
}

// Create starts an empty journal in dir, expecting the first append at
// seqno start+1.
func Create(dir string, start int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	l := &Log{dir: dir, lastSeqno: start, segment: -1}
	if err := l.cut(start); err != nil {
		return nil, err
	}
	return l, nil
}

// Open replays an existing journal, calling fn for every record in
// seqno order, and leaves the log positioned for appending. A torn
// tail record stops the replay without error; everything before it is
// intact.
func Open(dir string, fn func(seqno int64, ws []byte)) (*Log, error) {
	names, err := segmentNames(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return Create(dir, 0)
	}

	l := &Log{dir: dir, segment: int64(len(names) - 1)}
	for i, name := range names {
		path := filepath.Join(dir, name)
		last, size, err := replaySegment(path, fn)
		if err != nil {
			return nil, fmt.Errorf("txlog: replay %s: %w", name, err)
		}
		if last > l.lastSeqno {
			l.lastSeqno = last
		}
		if i == len(names)-1 {
			file, err := os.OpenFile(path, os.O_WRONLY, 0600)
			if err != nil {
				return nil, err
			}
			if _, err := file.Seek(size, 0); err != nil {
				file.Close()
				return nil, err
			}
			l.file = file
			l.size = size
			l.enc = makeEncoder(file)
		}
	}
	log.Infof("txlog: opened %s at seqno %d", dir, l.lastSeqno)
	return l, nil
}

// Append journals one committed writeset. Seqnos must arrive in
// strictly increasing order.
func (l *Log) Append(seqno int64, ws []byte) error {
	if seqno <= l.lastSeqno {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, seqno, l.lastSeqno)
	}
	n, err := l.enc.encode(seqno, ws)
	if err != nil {
		return err
	}
	l.lastSeqno = seqno
	l.size += int64(n)
	if l.size >= SegmentSizeBytes {
		return l.cut(seqno)
	}
	return nil
}

// Sync flushes the current segment to stable storage.
func (l *Log) Sync() error {
	return l.file.Sync()
}

// Close syncs and closes the journal.
func (l *Log) Close() error {
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// LastSeqno returns the seqno of the last journaled writeset.
func (l *Log) LastSeqno() int64 { return l.lastSeqno }

// cut rotates to a fresh segment starting after seqno.
func (l *Log) cut(seqno int64) error {
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		l.file.Close()
	}
	l.segment++
	name := segmentName(l.segment, seqno)
	file, err := os.Create(filepath.Join(l.dir, name))
	if err != nil {
		return err
	}
	l.file = file
	l.size = 0
	l.enc = makeEncoder(file)
	return nil
}

func segmentName(segment, seqno int64) string {
	return fmt.Sprintf("%016x-%016x%s", segment, seqno, segmentSuffix)
}

func parseSegmentName(name string) (segment, seqno int64, err error) {
	base := strings.TrimSuffix(name, segmentSuffix)
	if base == name {
		return 0, 0, ErrBadSegment
	}
	if _, err := fmt.Sscanf(base, "%016x-%016x", &segment, &seqno); err != nil {
		return 0, 0, ErrBadSegment
	}
	return segment, seqno, nil
}

// segmentNames returns the journal's segment files in rotation order.
func segmentNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		if _, _, err := parseSegmentName(e.Name()); err != nil {
			log.Warnf("txlog: skipping %s: %v", e.Name(), err)
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
