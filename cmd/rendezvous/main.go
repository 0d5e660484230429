// Command rendezvous runs the rendezvous server (spec.md C7/C9):
// accepts registrant and agent connections over TCP and, optionally,
// QUIC, and mediates pairing between them.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fusenet/config"
	"fusenet/lifecycle"
	"fusenet/logging"
	"fusenet/rendezvous"
)

const drainTimeout = 5 * time.Second

func main() {
	port := flag.Int("p", 8089, "TCP listen port")
	confPath := flag.String("config", "", "path to config file")
	useQUIC := flag.Bool("quic", false, "also accept connections over QUIC on the same port number (UDP)")
	flag.Parse()

	cfg, err := config.Resolve(*confPath)
	if err != nil {
		fmt.Printf("config: %v (continuing with defaults)\n", err)
	}

	log := logging.New(logging.Options{Level: cfg.Log.Level, FilePath: cfg.Log.Path, Console: true})
	defer log.Sync()

	life := lifecycle.New()
	life.NotifyOnSignal()

	srv := rendezvous.New(cfg, log, life)

	addr := fmt.Sprintf(":%d", *port)
	var listenFailed atomic.Bool
	life.Go(func() {
		if err := srv.ServeTCP(addr); err != nil {
			log.Error("tcp listener stopped", zap.Error(err))
			listenFailed.Store(true)
			life.Shutdown()
		}
	})
	if *useQUIC {
		life.Go(func() {
			if err := srv.ServeQUIC(addr); err != nil {
				log.Error("quic listener stopped", zap.Error(err))
				listenFailed.Store(true)
				life.Shutdown()
			}
		})
	}

	log.Info("rendezvous starting", zap.Int("port", *port), zap.Bool("quic", *useQUIC))
	<-life.Done()
	if !life.WaitTimeout(drainTimeout) {
		log.Warn("shutdown timed out waiting for connections to drain")
	}
	log.Info("rendezvous stopped")
	if listenFailed.Load() {
		os.Exit(1)
	}
	os.Exit(0)
}
