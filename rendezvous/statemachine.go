package rendezvous

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fusenet/frame"
	"fusenet/splice"
	"fusenet/transport"
)

// dmAddress builds the host:port a direct-mode agent should dial: the
// registrant's observed remote host paired with the TCP service port it
// registered with, not the ephemeral port of its control connection. This
// assumes that port is reachable at the same address the rendezvous sees
// the registrant's control connection arrive from — true when the
// registrant's service and its control channel sit behind the same
// public address (e.g. one NAT with the service port forwarded), and
// exactly true for the QUIC transport's SO_REUSEPORT hole-punched socket,
// which is why spec.md's DM discovery scenario is phrased as a QUIC-only
// test. If the destination a tag's RM callers dial (ci.target_host, which
// can vary per connection) lives on a different host than the registrant
// process itself, DM's single advertised address per tag cannot reach it;
// DM only ever supports one fixed destination per tag, unlike RM.
func dmAddress(entry *Entry) string {
	if entry.TCPPort == 0 {
		return ""
	}
	host, _, err := net.SplitHostPort(entry.RemoteAddr.String())
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(entry.TCPPort))
}

// drive runs one accepted channel through the Fresh state: the first
// frame it sends determines which of the four terminal roles it plays
// (spec.md §4.7). Any other first frame, or a read error, closes the
// channel immediately — channel.rs's Channel::run has the same one-shot
// dispatch on its first read.
func (s *Server) drive(ch transport.Framed) {
	f, err := ch.ReadFrame()
	if err != nil {
		ch.Close()
		return
	}

	var ownsClose bool
	switch f.Kind {
	case frame.KindRegister:
		s.runRegistered(ch, f.Register)
		ownsClose = false
	case frame.KindConnection:
		ownsClose = s.runPairingAsAgent(ch, f.Connection)
	case frame.KindTargetConnection:
		ownsClose = s.runPairingAsRegistrant(ch, f.Connection)
	case frame.KindSubscribe:
		ownsClose = s.runSubscribing(ch, f.Subscribe)
	default:
		s.log.Warn("unexpected first frame", zap.Any("kind", f.Kind))
	}

	if !ownsClose {
		ch.Close()
	}
}

// readLoop spawns a goroutine reading frames off ch until error or
// shutdown, delivering each read (or the terminal error) to the returned
// channel. The channel closes after the final delivery.
func (s *Server) readLoop(ch transport.Framed) <-chan frameResult {
	out := make(chan frameResult, 1)
	s.life.Go(func() {
		defer close(out)
		for {
			f, err := ch.ReadFrame()
			select {
			case out <- frameResult{f, err}:
			case <-s.life.Done():
				return
			}
			if err != nil {
				return
			}
		}
	})
	return out
}

// runRegistered inserts tag into the directory, acks, and then loops
// relaying inbox messages (pushed Connection frames, keep-alive Pings) to
// the wire and replying to Pings with Ack, until the channel dies or
// shutdown is requested. Grounded on channel.rs's Register arm plus its
// keep-alive task.
func (s *Server) runRegistered(ch transport.Framed, info *frame.RegisterInfo) {
	if info == nil {
		return
	}

	inbox := make(chan InboxMsg, inboxSize)
	entry := &Entry{
		Tag:        info.Tag,
		RemoteAddr: ch.RemoteAddr(),
		TCPPort:    info.TCPPort,
		UDPPort:    info.UDPPort,
		Inbox:      inbox,
		Metadata:   info.MateData,
	}
	if _, _, err := s.dir.Insert(info.Tag, entry); err != nil {
		s.log.Error("directory insert failed", zap.Error(err))
		return
	}
	defer func() {
		_, _, _ = s.dir.Remove(info.Tag)
		s.log.Info("registrant removed", zap.String("tag", info.Tag))
	}()

	if err := ch.WriteFrame(frame.Ack()); err != nil {
		return
	}
	s.log.Info("registrant registered", zap.String("tag", info.Tag), zap.Stringer("remote", ch.RemoteAddr()))

	// Keep-alive: Go channels don't signal "no receiver" on send the way
	// channel.rs's mpsc::Sender does, so liveness detection here uses an
	// explicit stop signal rather than a failed enqueue.
	stop := make(chan struct{})
	defer close(stop)
	s.life.Go(func() { s.keepAlive(inbox, stop) })

	inboundCh := s.readLoop(ch)
	for {
		select {
		case res, ok := <-inboundCh:
			if !ok || res.err != nil {
				return
			}
			if res.frame.IsPing() {
				if err := ch.WriteFrame(frame.Ack()); err != nil {
					return
				}
			}
		case msg := <-inbox:
			if msg.Frame != nil {
				if err := ch.WriteFrame(*msg.Frame); err != nil {
					return
				}
			}
		case <-s.life.Done():
			return
		}
	}
}

func (s *Server) keepAlive(inbox chan InboxMsg, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval())
	defer ticker.Stop()
	ping := frame.Ping()
	for {
		select {
		case <-ticker.C:
			select {
			case inbox <- InboxMsg{Frame: &ping}:
			case <-stop:
				return
			case <-s.life.Done():
				return
			}
		case <-stop:
			return
		case <-s.life.Done():
			return
		}
	}
}

// runPairingAsAgent handles a Connection frame from an agent: it looks up
// the target tag, installs a synthetic directory slot keyed by source_tag
// (or by the correlation id when source_tag is empty; the agent package
// sets both to the same fresh id) so the eventual TargetConnection can
// find its way back,
// forwards the Connection onto the target's inbox, and waits for the
// TargetBuffer handoff to arrive on that synthetic slot's own inbox. It
// reports whether it (via splice.Run) now owns closing ch.
func (s *Server) runPairingAsAgent(ch transport.Framed, ci *frame.ConnectionInfo) bool {
	if ci == nil {
		return false
	}
	target, found, err := s.dir.Get(ci.TargetTag)
	if err != nil || !found {
		s.log.Warn("unknown target tag", zap.String("target_tag", ci.TargetTag))
		return false
	}

	slotKey := ci.SourceTag
	if slotKey == "" {
		slotKey = ci.CorrelationID
	}
	inbox := make(chan InboxMsg, 1)
	slot := &Entry{Tag: slotKey, RemoteAddr: ch.RemoteAddr(), Inbox: inbox}
	if _, _, err := s.dir.Insert(slotKey, slot); err != nil {
		s.log.Error("directory insert failed", zap.Error(err))
		return false
	}
	defer func() { _, _, _ = s.dir.Remove(slotKey) }()

	connFrame := frame.NewConnection(*ci)
	select {
	case target.Inbox <- InboxMsg{Frame: &connFrame}:
	case <-time.After(s.cfg.HandshakeTimeout()):
		s.log.Warn("registrant unresponsive forwarding connection", zap.String("target_tag", ci.TargetTag))
		return false
	case <-s.life.Done():
		return false
	}

	select {
	case msg := <-inbox:
		if msg.Handoff == nil {
			return false
		}
		if err := splice.Run(ch, msg.Handoff); err != nil {
			s.log.Debug("splice ended", zap.Error(err))
		}
		return true
	case <-time.After(s.cfg.HandshakeTimeout()):
		s.log.Warn("timed out awaiting target connection", zap.String("correlation_id", ci.CorrelationID))
		return false
	case <-s.life.Done():
		return false
	}
}

// runPairingAsRegistrant handles a TargetConnection frame: it looks up
// the pending slot the matching Connection installed under source_tag,
// acks, and hands this channel off to that slot's inbox. Once the
// handoff send succeeds, the agent-side driver owns closing ch via
// splice.Run, so this reports ownership transferred.
func (s *Server) runPairingAsRegistrant(ch transport.Framed, ci *frame.ConnectionInfo) bool {
	if ci == nil {
		return false
	}
	source, found, err := s.dir.Get(ci.SourceTag)
	if err != nil || !found {
		s.log.Warn("unknown source tag for target connection", zap.String("source_tag", ci.SourceTag))
		return false
	}
	if err := ch.WriteFrame(frame.Ack()); err != nil {
		return false
	}

	select {
	case source.Inbox <- InboxMsg{Handoff: ch}:
		_, _, _ = s.dir.Remove(ci.SourceTag)
		return true
	case <-time.After(s.cfg.HandshakeTimeout()):
		s.log.Warn("agent unresponsive awaiting handoff", zap.String("source_tag", ci.SourceTag))
		return false
	case <-s.life.Done():
		return false
	}
}

// runSubscribing spawns the periodic push task (spec.md §4.9) and hands
// it ownership of ch; the task closes ch when it stops.
func (s *Server) runSubscribing(ch transport.Framed, sub *frame.SubscribeInfo) bool {
	if sub == nil {
		return false
	}
	s.life.Go(func() {
		defer ch.Close()
		ticker := time.NewTicker(s.cfg.SubscribePushInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				addr := ""
				if entry, found, err := s.dir.Get(sub.TargetTag); err == nil && found {
					addr = dmAddress(entry)
				}
				out := frame.NewSubscribe(frame.SubscribeInfo{TargetTag: sub.TargetTag, TargetSockerAddr: addr})
				if err := ch.WriteFrame(out); err != nil {
					return
				}
			case <-s.life.Done():
				return
			}
		}
	})
	return true
}
