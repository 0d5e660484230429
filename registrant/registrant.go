// Package registrant implements the registrant role (spec.md C5): it
// registers a tag with the rendezvous, answers keep-alive Pings, and for
// every Connection the rendezvous pushes onto its control channel, dials
// the requested local destination and completes the pairing with a
// TargetConnection. Grounded on original_source/fusen-net/src/client/mod.rs
// (register/run loop) and original_source/fusen-net/src/server/channel.rs's
// Connection handling for what the far end expects back.
package registrant

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"fusenet/config"
	"fusenet/frame"
	"fusenet/splice"
	"fusenet/transport"
)

// Dialer opens a new control channel to the rendezvous; TCP or QUIC
// depending on how the caller wired it.
type Dialer func() (transport.Framed, error)

// Registration describes the tag this process advertises. The destination
// an RM Connection completes against is not pinned here: it is named per
// request by the agent in ConnectionInfo.TargetHost (spec.md §4.5/§4.7),
// so one registrant can serve any destination its agents ask it to dial.
type Registration struct {
	Tag      string
	TCPPort  int
	UDPPort  int
	Metadata map[string]string
}

const negativeCacheTTL = 10 * time.Second

// Registrant holds one long-lived registration session.
type Registrant struct {
	cfg  *config.Config
	log  *zap.Logger
	dial Dialer
	reg  Registration

	// dialFailures is the destination-dial negative cache: a host:port
	// that just failed to dial is skipped for a short TTL rather than
	// retried on every pushed Connection, generalizing the teacher's
	// ipCache shape (controller/server.go) to a failure cache instead of
	// a rate-limit counter.
	dialFailures *cache.Cache
}

// New builds a Registrant. dial is invoked once for the long-lived
// control channel and again for every RM completion's second channel.
func New(cfg *config.Config, log *zap.Logger, dial Dialer, reg Registration) *Registrant {
	return &Registrant{
		cfg:          cfg,
		log:          log,
		dial:         dial,
		reg:          reg,
		dialFailures: cache.New(negativeCacheTTL, 2*negativeCacheTTL),
	}
}

// Run registers the tag and serves the control channel until it dies or
// ctx-like shutdown is requested via stop. It returns on registration
// failure, a wire error, or stop closing.
func (r *Registrant) Run(stop <-chan struct{}) error {
	ch, err := r.dial()
	if err != nil {
		return fmt.Errorf("registrant: dial rendezvous: %w", err)
	}
	defer ch.Close()

	if err := ch.WriteFrame(frame.NewRegister(frame.RegisterInfo{
		Tag:      r.reg.Tag,
		TCPPort:  r.reg.TCPPort,
		UDPPort:  r.reg.UDPPort,
		MateData: r.reg.Metadata,
	})); err != nil {
		return fmt.Errorf("registrant: send register: %w", err)
	}

	ack, err := ch.ReadFrameWithin(r.cfg.HandshakeTimeout())
	if err != nil {
		return fmt.Errorf("registrant: await register ack: %w", err)
	}
	if !ack.IsAck() {
		return fmt.Errorf("registrant: register rejected")
	}
	r.log.Info("registered", zap.String("tag", r.reg.Tag))

	for {
		select {
		case <-stop:
			return nil
		default:
		}
		f, err := ch.ReadFrameWithin(2 * r.cfg.KeepAliveInterval())
		if err != nil {
			return fmt.Errorf("registrant: control channel died: %w", err)
		}
		switch {
		case f.IsPing():
			if err := ch.WriteFrame(frame.Ack()); err != nil {
				return fmt.Errorf("registrant: reply ping: %w", err)
			}
		case f.Kind == frame.KindConnection && f.Connection != nil:
			go r.completeRM(*f.Connection)
		default:
			r.log.Debug("ignoring unexpected frame on control channel", zap.Any("kind", f.Kind))
		}
	}
}

// completeRM dials the local destination and pairs it with a fresh
// rendezvous channel via TargetConnection, then splices the two.
// Grounded on channel.rs's TargetConnection arm: the registrant side
// always opens a second channel for RM, matching the "new channel per
// pairing" half of the DM/RM distinction (registrant/registrant_test.go
// covers this RM path).
func (r *Registrant) completeRM(ci frame.ConnectionInfo) {
	dest := ci.TargetHost
	if dest == "" {
		r.log.Warn("connection request missing target_host, dropping", zap.String("correlation_id", ci.CorrelationID))
		return
	}
	if _, failed := r.dialFailures.Get(dest); failed {
		r.log.Debug("skipping destination in negative cache", zap.String("dest", dest))
		return
	}

	target, err := transport.DialFast(dest)
	if err != nil {
		r.log.Warn("failed to dial destination", zap.String("dest", dest), zap.Error(err))
		r.dialFailures.Set(dest, struct{}{}, cache.DefaultExpiration)
		return
	}
	targetCh := transport.NewChannel(target, target.RemoteAddr())

	rendCh, err := r.dial()
	if err != nil {
		r.log.Warn("failed to open second channel to rendezvous", zap.Error(err))
		targetCh.Close()
		return
	}

	if err := rendCh.WriteFrame(frame.NewTargetConnection(ci)); err != nil {
		r.log.Warn("failed to send target connection", zap.Error(err))
		rendCh.Close()
		targetCh.Close()
		return
	}
	ack, err := rendCh.ReadFrameWithin(r.cfg.HandshakeTimeout())
	if err != nil || !ack.IsAck() {
		r.log.Warn("target connection not acked", zap.Error(err))
		rendCh.Close()
		targetCh.Close()
		return
	}

	if err := splice.Run(rendCh, targetCh); err != nil {
		r.log.Debug("splice ended", zap.String("correlation_id", ci.CorrelationID), zap.Error(err))
	}
}
