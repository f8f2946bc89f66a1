// Package profile implements the BEEP profile registry: the mapping
// from a profile URI (e.g. "http://iana.org/beep/TLS") to the
// caller-supplied callbacks a Channel invokes as it moves through its
// lifecycle (spec.md §4.4, §6).
//
// The shape — a factory invoked once per channel to produce a callback
// value, registered against a key before any connection exists — is
// grounded on netconf/v2/netconf/server/netconf's SessionCallback /
// SessionFactory pair, generalized from NETCONF's single fixed
// session-callback to BEEP's URI-keyed registry of many profiles.
package profile

import (
	"sort"
	"sync"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/channel"
	"github.com/damianoneill/beep/frame"
)

// Callback defines the hooks a profile implementation supplies for one
// open channel. Start is called once, synchronously, while the
// channel's start negotiation is still pending: returning a non-nil
// error refuses the start and the error's beeperr.Code (if any) is
// reported to the peer. FrameReceived is called once per complete
// (reassembled) MSG/RPY/ERR/ANS/NUL payload delivered on the channel;
// msgNo/ansNo identify which exchange the payload belongs to, the way
// the teacher's RpcRequestMessage carries a MessageID a handler echoes
// back in its reply — here a MSG's msgNo is what a reply must be sent
// against via Channel.SendRPY/SendERR/SendANS, since BEEP replies are
// asynchronous and a handler may not reply inline. Close is called
// once, as the channel transitions to Closed, and cannot refuse the
// close (a channel close is always accepted by the local side; only
// the peer's side negotiates refusal).
type Callback interface {
	Start(channel uint32, profileData []byte) (replyData []byte, err error)
	FrameReceived(channel uint32, frameType frame.Type, msgNo, ansNo uint32, payload []byte)
	Close(channel uint32)
}

// Factory produces a Callback for one newly-opening channel, given the
// Channel itself so the Callback can keep a reference and send replies
// (Channel.SendRPY/SendERR/SendANS) from within FrameReceived. The
// factory itself is registered once per URI and invoked once per
// channel, exactly like SessionFactory func(*SessionHandler)
// SessionCallback being invoked once per accepted SSH session with a
// handle back to that session.
type Factory func(ch *channel.Channel) Callback

// Entry is a registered profile: its URI and the factory that builds a
// Callback for each channel started against it.
type Entry struct {
	URI     string
	Factory Factory
}

// Registry is the set of profiles a Context recognizes when a peer
// requests a channel start (spec.md §4.4). A zero-value Registry is
// empty and ready to use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Factory
}

// Register adds or replaces the factory for uri. It is safe to call
// concurrently with Lookup/Resolve, but registering a profile while a
// channel using the old factory is mid-start is the caller's race to
// avoid — register all profiles before accepting connections, as the
// teacher's NewServer requires sf to be supplied up front.
func (r *Registry) Register(uri string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]Factory)
	}
	r.entries[uri] = f
}

// Unregister removes uri, if present.
func (r *Registry) Unregister(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, uri)
}

// Lookup reports whether uri is registered.
func (r *Registry) Lookup(uri string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.entries[uri]
	return f, ok
}

// URIs returns the registered profile URIs in sorted order, the set
// advertised in a greeting's <profile uri='…'/> list (spec.md §4.3).
func (r *Registry) URIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uris := make([]string, 0, len(r.entries))
	for u := range r.entries {
		uris = append(uris, u)
	}
	sort.Strings(uris)
	return uris
}

// Resolve picks the first of candidateURIs that is registered,
// returning its URI and Factory without invoking it. It is used by the
// channel-0 start-negotiation logic to pick among the profile URIs a
// peer offered in preference order (spec.md §4.4's
// server-chooses-first-supported rule); the caller invokes the
// returned Factory itself once the Channel it will bind to exists.
func (r *Registry) Resolve(candidateURIs []string) (string, Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, uri := range candidateURIs {
		if f, ok := r.entries[uri]; ok {
			return uri, f, nil
		}
	}
	return "", nil, beeperr.WithCode(beeperr.Channel, beeperr.CodeParameterInvalid, "no supported profile among candidates")
}
