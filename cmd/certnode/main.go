package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/codelia/certnode/node"
	"github.com/codelia/certnode/provider"
	"github.com/codelia/certnode/provider/memprovider"
	"github.com/codelia/certnode/txlog"
)

func initConfig() {
	pflag.String("cluster", "certnode_cluster", "cluster name")
	pflag.Int("nodes", 3, "number of in-process nodes")
	pflag.Int("records", 1<<20, "records per store")
	pflag.Int("masters", 2, "master workers per node")
	pflag.Int("slaves", 2, "slave workers per node")
	pflag.Int("operations", 1, "operations per transaction")
	pflag.Bool("paranoid", false, "re-validate even with read-view support")
	pflag.Duration("stats-period", 10*time.Second, "statistics log period")
	pflag.Duration("run-for", 0, "stop after this long, 0 to run until SIGINT")
	pflag.String("txlog-dir", "", "journal committed writesets under this directory")
	pflag.String("log-level", "info", "logrus level")
	pflag.Parse()

	viper.SetEnvPrefix("certnode")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		log.Fatalf("bind flags: %v", err)
	}
}

type member struct {
	node    *node.Node
	prov    *memprovider.Provider
	slaves  *node.WorkerPool
	masters *node.WorkerPool
	journal *txlog.Log
}

func startMember(hub *memprovider.Hub, i int) *member {
	cfg := node.Config{
		Name:       fmt.Sprintf("node%d", i),
		Address:    fmt.Sprintf("127.0.0.1:%d", 4567+i),
		Records:    viper.GetInt("records"),
		Paranoid:   viper.GetBool("paranoid"),
		Operations: viper.GetInt("operations"),
	}

	m := &member{prov: hub.NewProvider()}
	m.node = node.New(cfg, m.prov)

	if dir := viper.GetString("txlog-dir"); dir != "" {
		journal, err := txlog.Create(fmt.Sprintf("%s/%s", dir, cfg.Name), 0)
		if err != nil {
			log.Fatalf("%s: open txlog: %v", cfg.Name, err)
		}
		m.journal = journal
		m.node.Engine().SetJournal(journal)
	}

	if ret := m.node.Init(); ret != provider.OK {
		log.Fatalf("%s: provider init failed: %v", cfg.Name, ret)
	}

	slaves := viper.GetInt("slaves")
	if slaves < 1 {
		slaves = 1 // the ordered stream must always drain
	}
	m.slaves = m.node.StartWorkers(node.Slave, slaves)
	m.masters = m.node.StartWorkers(node.Master, viper.GetInt("masters"))

	bootstrap := i == 0
	if ret := m.node.Connect(viper.GetString("cluster"), "memprovider://local", bootstrap); ret != provider.OK {
		log.Fatalf("%s: connect failed: %v", cfg.Name, ret)
	}
	return m
}

func main() {
	initConfig()

	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		log.Fatalf("bad log level: %v", err)
	}
	log.SetLevel(level)

	hub := memprovider.NewHub()
	count := viper.GetInt("nodes")
	if count < 1 {
		log.Fatalf("need at least one node")
	}

	members := make([]*member, 0, count)
	for i := 0; i < count; i++ {
		members = append(members, startMember(hub, i))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if d := viper.GetDuration("run-for"); d > 0 {
		deadline = time.After(d)
	}

	ticker := time.NewTicker(viper.GetDuration("stats-period"))
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			for _, m := range members {
				s := m.node.Stats()
				log.Infof("%s: executed %d committed %d certfail %d applied %d revalfail %d",
					m.node.Store().GTID(), s.Executed, s.Committed,
					s.CertFailures, s.Applied, s.RevalFailed)
			}
		case <-sig:
			break loop
		case <-deadline:
			break loop
		}
	}

	// leave in reverse join order; the bootstrap node goes last
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		m.node.Disconnect()
		m.masters.Stop()
		m.slaves.Stop()
		if m.journal != nil {
			if err := m.journal.Close(); err != nil {
				log.Errorf("close txlog: %v", err)
			}
		}
	}
}
