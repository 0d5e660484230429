// Package rendezvous implements the rendezvous server (spec.md C7): the
// tag directory, the per-channel Fresh/Registered/Pairing/Subscribing
// state machine, and the keep-alive and subscription-push background
// tasks. Grounded on original_source/fusen-net/src/server/channel.rs
// (Channel::run's per-frame dispatch) and original_source/fusen-net/src/server/cache.rs
// (the AsyncCache the Go directory.Directory generalizes).
package rendezvous

import (
	"net"

	"fusenet/frame"
	"fusenet/transport"
)

// Entry is one directory slot: either a registrant's long-lived tag entry
// or the synthetic per-splice slot an agent-initiated Connection creates
// under its source_tag, mirroring channel.rs's single Cache<String,
// Entry> doing double duty for both.
type Entry struct {
	Tag        string
	RemoteAddr net.Addr
	TCPPort    int
	UDPPort    int
	Inbox      chan InboxMsg
	Metadata   map[string]string
}

// InboxMsg is delivered to an Entry's Inbox by another channel's driver.
// Exactly one of Frame or Handoff is set: Frame is a control frame to
// relay onto the owning channel's wire (a pushed Connection or a
// keep-alive Ping); Handoff transfers sole ownership of a
// spliced-ready channel, the Go analogue of channel.rs's TargetBuffer
// event.
type InboxMsg struct {
	Frame   *frame.Frame
	Handoff transport.Framed
}

const inboxSize = 256

type frameResult struct {
	frame frame.Frame
	err   error
}
