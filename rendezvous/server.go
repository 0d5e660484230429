package rendezvous

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"fusenet/config"
	"fusenet/directory"
	"fusenet/lifecycle"
	"fusenet/quictransport"
	"fusenet/ratelimit"
	"fusenet/transport"
)

// Server holds the tag directory shared by every accepted channel,
// generalizing the teacher's controller/server.go accept loop (rate
// limiting then per-connection goroutine) to the tag-directory domain.
type Server struct {
	cfg   *config.Config
	log   *zap.Logger
	dir   *directory.Directory[string, *Entry]
	life  *lifecycle.Lifecycle
	guard *ratelimit.Guard
}

// New builds a Server. life must outlive every Serve* call; the caller
// is responsible for eventually calling life.Shutdown() and life.Wait().
func New(cfg *config.Config, log *zap.Logger, life *lifecycle.Lifecycle) *Server {
	return &Server{
		cfg:  cfg,
		log:  log,
		dir:  directory.New[string, *Entry](),
		life: life,
		guard: ratelimit.New(
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
			cfg.RateLimit.MaxAttempts,
		),
	}
}

// ServeTCP accepts TCP connections on addr until shutdown is requested.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen tcp %q: %w", addr, err)
	}
	s.log.Info("rendezvous listening", zap.String("transport", "tcp"), zap.String("addr", addr))

	s.life.Go(func() {
		<-s.life.Done()
		ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.life.IsShutdown() {
				return nil
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		if !s.allow(conn.RemoteAddr()) {
			conn.Close()
			continue
		}
		ch := transport.NewChannel(conn, conn.RemoteAddr())
		s.life.Go(func() { s.drive(ch) })
	}
}

// ServeQUIC accepts QUIC connections on addr until shutdown is requested.
func (s *Server) ServeQUIC(addr string) error {
	ln, err := quictransport.Listen(addr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen quic %q: %w", addr, err)
	}
	s.log.Info("rendezvous listening", zap.String("transport", "quic"), zap.String("addr", addr))

	s.life.Go(func() {
		<-s.life.Done()
		ln.Close()
	})

	ctx := s.life.Context()
	for {
		ch, err := ln.Accept(ctx)
		if err != nil {
			if s.life.IsShutdown() {
				return nil
			}
			s.log.Error("quic accept failed", zap.Error(err))
			continue
		}
		if !s.allow(ch.RemoteAddr()) {
			ch.Close()
			continue
		}
		s.life.Go(func() { s.drive(ch) })
	}
}

func (s *Server) allow(remote net.Addr) bool {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	if !s.guard.Allow(host) {
		s.log.Warn("rejecting remote over rate limit", zap.String("remote", host))
		return false
	}
	return true
}
