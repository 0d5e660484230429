// Package agent implements the agent role (spec.md C6): one local TCP
// listener per configured tunnel, each either relayed through the
// rendezvous (RM) or, once a cached address is learned via subscription,
// dialed directly (DM). Grounded on
// original_source/examples/src/client_agent.rs (the "MODE-TAG-HOST-PORT"
// CLI shape) and original_source/fusen-net/src/server/channel.rs's
// Subscribe handling for what a DM agent consumes.
package agent

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fusenet/config"
	"fusenet/directory"
	"fusenet/frame"
	"fusenet/splice"
	"fusenet/transport"
)

// Mode is how an agent tunnel reaches its target registrant.
type Mode string

const (
	ModeRM Mode = "rm"
	ModeDM Mode = "dm"
)

// Tunnel is one parsed "-a MODE-TAG-HOST-PORT" flag value. HOST is the
// destination ("target_host") an RM tunnel asks the registrant to dial;
// PORT is the port this agent listens on locally for that tunnel (spec.md
// §4.6: the agent binds 0.0.0.0:agent_port).
type Tunnel struct {
	Mode       Mode
	TargetTag  string
	TargetHost string
	ListenAddr string
}

// ParseTunnel parses "mode-tag-host-port" (e.g. "rm-web1-127.0.0.1:22-2222":
// RM tunnel for tag web1, destination 127.0.0.1:22, listening locally on
// 0.0.0.0:2222), matching original_source/examples/src/client.rs's
// agent_info[0..3] (mode, target_tag, target_host, local_port) layout.
func ParseTunnel(spec string) (Tunnel, error) {
	parts := strings.SplitN(spec, "-", 4)
	if len(parts) != 4 {
		return Tunnel{}, fmt.Errorf("agent: malformed tunnel spec %q, want MODE-TAG-HOST-PORT", spec)
	}
	mode := Mode(strings.ToLower(parts[0]))
	if mode != ModeRM && mode != ModeDM {
		return Tunnel{}, fmt.Errorf("agent: unknown mode %q in spec %q", parts[0], spec)
	}
	if _, err := strconv.Atoi(parts[3]); err != nil {
		return Tunnel{}, fmt.Errorf("agent: bad port in spec %q: %w", spec, err)
	}
	return Tunnel{
		Mode:       mode,
		TargetTag:  parts[1],
		TargetHost: parts[2],
		ListenAddr: net.JoinHostPort("0.0.0.0", parts[3]),
	}, nil
}

// Dialer opens a fresh control/data channel to the rendezvous.
type Dialer func() (transport.Framed, error)

// Agent drives every configured tunnel. A single Directory instance is
// shared across all DM tunnels: each caches its own target tag's address
// under that tag's key.
type Agent struct {
	cfg  *config.Config
	log  *zap.Logger
	dial Dialer
	dm   *directory.Directory[string, string]
}

func New(cfg *config.Config, log *zap.Logger, dial Dialer) *Agent {
	return &Agent{cfg: cfg, log: log, dial: dial, dm: directory.New[string, string]()}
}

// Serve starts every tunnel's local listener and blocks until stop
// closes or a listener fails unrecoverably.
func (a *Agent) Serve(tunnels []Tunnel, stop <-chan struct{}) error {
	errCh := make(chan error, len(tunnels))
	for _, tun := range tunnels {
		tun := tun
		ln, err := net.Listen("tcp", tun.ListenAddr)
		if err != nil {
			return fmt.Errorf("agent: listen %q: %w", tun.ListenAddr, err)
		}
		a.log.Info("agent tunnel listening", zap.String("mode", string(tun.Mode)),
			zap.String("target_tag", tun.TargetTag), zap.String("listen", tun.ListenAddr))

		if tun.Mode == ModeDM {
			go a.runSubscription(tun.TargetTag, stop)
		}

		go func() {
			errCh <- a.acceptLoop(ln, tun, stop)
		}()
		go func() {
			<-stop
			ln.Close()
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-stop:
		return nil
	}
}

func (a *Agent) acceptLoop(ln net.Listener, tun Tunnel, stop <-chan struct{}) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		go a.handleConn(conn, tun)
	}
}

func (a *Agent) handleConn(conn net.Conn, tun Tunnel) {
	switch tun.Mode {
	case ModeRM:
		a.handleRM(conn, tun.TargetTag, tun.TargetHost)
	case ModeDM:
		a.handleDM(conn, tun.TargetTag)
	}
}

// handleRM opens a new rendezvous channel per accepted connection,
// announces it with a fresh correlation id and the tunnel's destination
// host, and splices the local connection with it raw — no reply frame is
// expected back; the channel either starts carrying spliced bytes or dies,
// mirroring channel.rs's Connection arm, which never acks the agent.
func (a *Agent) handleRM(conn net.Conn, targetTag, targetHost string) {
	defer conn.Close()
	rendCh, err := a.dial()
	if err != nil {
		a.log.Warn("failed to dial rendezvous", zap.Error(err))
		return
	}
	defer rendCh.Close()

	corr := uuid.NewString()
	if err := rendCh.WriteFrame(frame.NewConnection(frame.ConnectionInfo{
		AgentMode:     frame.ModeRM,
		CorrelationID: corr,
		SourceTag:     corr,
		TargetTag:     targetTag,
		TargetHost:    targetHost,
	})); err != nil {
		a.log.Warn("failed to send connection", zap.Error(err))
		return
	}

	local := transport.NewChannel(conn, conn.RemoteAddr())
	if err := splice.Run(local, rendCh); err != nil {
		a.log.Debug("splice ended", zap.String("correlation_id", corr), zap.Error(err))
	}
}

// handleDM dials the cached address for targetTag directly, bypassing
// the rendezvous for data entirely. If no address has been learned yet
// the connection is dropped.
func (a *Agent) handleDM(conn net.Conn, targetTag string) {
	defer conn.Close()
	addr, found, err := a.dm.Get(targetTag)
	if err != nil || !found || addr == "" {
		a.log.Warn("no known address for direct-mode target", zap.String("target_tag", targetTag))
		return
	}
	target, err := transport.DialFast(addr)
	if err != nil {
		a.log.Warn("failed to dial direct-mode target", zap.String("addr", addr), zap.Error(err))
		return
	}
	defer target.Close()

	local := transport.NewChannel(conn, conn.RemoteAddr())
	remote := transport.NewChannel(target, target.RemoteAddr())
	if err := splice.Run(local, remote); err != nil {
		a.log.Debug("direct splice ended", zap.String("target_tag", targetTag), zap.Error(err))
	}
}

// runSubscription opens a single long-lived channel, sends one Subscribe
// for targetTag, and keeps reading the rendezvous's periodic pushes,
// refreshing a.dm's cached address — the channel every DM connection for
// this tag reuses, instead of opening a fresh one per connection like RM.
func (a *Agent) runSubscription(targetTag string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := a.subscribeOnce(targetTag, stop); err != nil {
			a.log.Warn("subscription channel died, retrying", zap.String("target_tag", targetTag), zap.Error(err))
			time.Sleep(time.Second)
		}
	}
}

func (a *Agent) subscribeOnce(targetTag string, stop <-chan struct{}) error {
	ch, err := a.dial()
	if err != nil {
		return fmt.Errorf("dial rendezvous: %w", err)
	}
	defer ch.Close()

	if err := ch.WriteFrame(frame.NewSubscribe(frame.SubscribeInfo{TargetTag: targetTag})); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}
		f, err := ch.ReadFrameWithin(2 * a.cfg.SubscribePushInterval())
		if err != nil {
			return fmt.Errorf("read subscribe push: %w", err)
		}
		if f.Kind != frame.KindSubscribe || f.Subscribe == nil {
			continue
		}
		if _, _, err := a.dm.Insert(f.Subscribe.TargetTag, f.Subscribe.TargetSockerAddr); err != nil {
			return fmt.Errorf("cache update: %w", err)
		}
	}
}
