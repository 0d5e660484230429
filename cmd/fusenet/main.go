// Command fusenet is the combined registrant+agent client (spec.md C5/C6):
// with -t it registers a tag and dials whatever destination each pushed
// Connection names; with one or more -a flags it runs agent tunnels, each
// relaying (RM) or directly dialing (DM) a target tag.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fusenet/agent"
	"fusenet/config"
	"fusenet/lifecycle"
	"fusenet/logging"
	"fusenet/quictransport"
	"fusenet/registrant"
	"fusenet/transport"
)

const drainTimeout = 5 * time.Second

// repeatableFlag collects every occurrence of a flag given more than once,
// the same shape as the teacher's rule flags in config/setting.go.
type repeatableFlag []string

func (r *repeatableFlag) String() string     { return strings.Join(*r, ",") }
func (r *repeatableFlag) Set(v string) error { *r = append(*r, v); return nil }

func main() {
	server := flag.String("s", "", "rendezvous server address (host:port)")
	tag := flag.String("t", "", "register this tag with the rendezvous server")
	confPath := flag.String("config", "", "path to config file")
	useQUIC := flag.Bool("quic", false, "dial the rendezvous over QUIC instead of TCP")
	var agentSpecs repeatableFlag
	flag.Var(&agentSpecs, "a", "agent tunnel MODE-TAG-HOST-PORT, may be repeated")
	flag.Parse()

	if *server == "" {
		fmt.Println("fusenet: -s SERVER is required")
		os.Exit(2)
	}

	cfg, err := config.Resolve(*confPath)
	if err != nil {
		fmt.Printf("config: %v (continuing with defaults)\n", err)
	}

	log := logging.New(logging.Options{Level: cfg.Log.Level, FilePath: cfg.Log.Path, Console: true})
	defer log.Sync()

	life := lifecycle.New()
	life.NotifyOnSignal()

	dial := makeDialer(*server, *useQUIC)

	if *tag != "" {
		r := registrant.New(cfg, log, dial, registrant.Registration{Tag: *tag})
		life.Go(func() {
			if err := r.Run(life.Done()); err != nil {
				log.Error("registrant stopped", zap.Error(err))
				life.Shutdown()
			}
		})
	}

	var tunnels []agent.Tunnel
	for _, spec := range agentSpecs {
		tun, err := agent.ParseTunnel(spec)
		if err != nil {
			log.Fatal("bad -a value", zap.Error(err))
		}
		tunnels = append(tunnels, tun)
	}
	var listenFailed atomic.Bool
	if len(tunnels) > 0 {
		a := agent.New(cfg, log, dial)
		life.Go(func() {
			if err := a.Serve(tunnels, life.Done()); err != nil {
				log.Error("agent stopped", zap.Error(err))
				listenFailed.Store(true)
				life.Shutdown()
			}
		})
	}

	if *tag == "" && len(tunnels) == 0 {
		fmt.Println("fusenet: nothing to do, specify -t and/or -a")
		os.Exit(2)
	}

	log.Info("fusenet starting", zap.String("server", *server), zap.Bool("quic", *useQUIC))
	<-life.Done()
	if !life.WaitTimeout(drainTimeout) {
		log.Warn("shutdown timed out waiting for tunnels to drain")
	}
	log.Info("fusenet stopped")
	if listenFailed.Load() {
		os.Exit(1)
	}
	os.Exit(0)
}

func makeDialer(server string, useQUIC bool) func() (transport.Framed, error) {
	if useQUIC {
		return func() (transport.Framed, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return quictransport.Dial(ctx, server)
		}
	}
	return func() (transport.Framed, error) {
		return transport.DialTCP(server, 5*time.Second)
	}
}
