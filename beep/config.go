package beep

import (
	"time"

	"github.com/imdario/mergo"
	"golang.org/x/time/rate"

	"github.com/damianoneill/beep/frame"
)

// Config holds the per-Context knobs spec.md §6 enumerates. A caller
// supplies a partial Config and merges it against DefaultConfig the
// same way netconf/client's NewRPCSessionWithConfig resolves its
// *Config against client.DefaultConfig before use.
type Config struct {
	// SoftConnectionLimit and HardConnectionLimit cap accepted
	// connections (soft logs a warning via trace, hard refuses).
	SoftConnectionLimit int
	HardConnectionLimit int
	// ListenerBacklog is passed to transport.Listen, which does not
	// apply it to the listening socket.
	ListenerBacklog int
	// EnforceRegisteredProfiles, if true (default), refuses to open a
	// channel for a profile URI the Context hasn't registered.
	EnforceRegisteredProfiles bool
	// DefaultWindowSize seeds channel.Config.WindowSize for channels
	// that don't set their own.
	DefaultWindowSize int
	ConnectTimeout    time.Duration
	GreetingTimeout   time.Duration
	WriteTimeout      time.Duration
	// ChannelOpenTimeout/ChannelCloseTimeout bound how long a start or
	// close request on channel 0 may take before the initiator
	// surfaces a ChannelError and releases the waiting ticket.
	ChannelOpenTimeout  time.Duration
	ChannelCloseTimeout time.Duration
	// Workers sizes the shared worker pool; Backlog bounds its queue.
	Workers int
	Backlog int
	// SkipWorkerDrainOnClose forwards to workerpool.Config, per
	// spec.md §9's "skip thread-pool wait on exit" acknowledgement.
	SkipWorkerDrainOnClose bool
	// Features/Localize are advertised on the outgoing greeting.
	Features string
	Localize string
	// IdleTimeout, if non-zero, triggers IdleHandler after a
	// connection has sent/received nothing for this long.
	IdleTimeout time.Duration
	IdleHandler func(*Connection)
	// SendRate and SendBurst, if SendRate is positive, build a
	// golang.org/x/time/rate token-bucket limiter shared by every frame
	// a Connection's sequencer writes, capping outbound frame rate
	// independent of window size (spec.md §4.6's frame-size computation,
	// extended with a rate-token term).
	SendRate  rate.Limit
	SendBurst int

	// The Global* fields are Context-wide hook overrides (spec.md
	// §4.4): unlike a Connection's own per-connection hook chains, each
	// is a single override shared by every Connection this Context
	// creates, resolved once at NewContext the same way IdleHandler is.
	//
	// GlobalFrameReceived, if set, runs before any channel-level
	// FrameReceived handler, for every payload delivered to a profile
	// channel's FrameReceived hook; channel 0 does not pass through it.
	GlobalFrameReceived func(connID uint64, channel uint32, frameType frame.Type, msgNo, ansNo uint32, payload []byte)
	// GlobalChannelStart, if set, services every peer-initiated channel
	// start in place of the target profile's registered Callback.Start.
	GlobalChannelStart func(connID uint64, channel uint32, profileURI string, profileData []byte) (replyData []byte, err error)
	// GlobalChannelAdded/GlobalChannelRemoved run alongside (not instead
	// of) a Connection's own channel-added/channel-removed hooks.
	GlobalChannelAdded   func(connID uint64, channel uint32, profileURI string)
	GlobalChannelRemoved func(connID uint64, channel uint32, err error)
	// GlobalCloseNotify runs alongside a Connection's own OnClose chain.
	GlobalCloseNotify func(connID uint64, err error)
}

// DefaultConfig returns spec.md §6's defaults, merged over Config's
// zero value the way client.DefaultConfig seeds netconf/client's
// resolved configuration.
var DefaultConfig = &Config{
	SoftConnectionLimit:       1024,
	HardConnectionLimit:       4096,
	ListenerBacklog:           128,
	EnforceRegisteredProfiles: true,
	DefaultWindowSize:         4096,
	ConnectTimeout:            10 * time.Second,
	GreetingTimeout:           10 * time.Second,
	WriteTimeout:              3 * time.Second,
	ChannelOpenTimeout:        60 * time.Second,
	ChannelCloseTimeout:       60 * time.Second,
	Workers:                   5,
	Backlog:                   64,
}

// resolveConfig merges cfg over DefaultConfig, filling any zero-valued field.
func resolveConfig(cfg *Config) *Config {
	resolved := &Config{}
	if cfg != nil {
		*resolved = *cfg
	}
	_ = mergo.Merge(resolved, DefaultConfig)
	return resolved
}
