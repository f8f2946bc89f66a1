package trace

import (
	"log"
	"time"
)

// Logging is a Trace that writes one line per event through the standard
// "log" package, the way netconf/client/trace.go's DefaultLoggingHooks
// does for request tracing.
var Logging = &Trace{
	ConnectStart: func(target string) {
		log.Printf("beep: connect start target=%s", target)
	},
	ConnectDone: func(target string, err error, d time.Duration) {
		log.Printf("beep: connect done target=%s err=%v elapsed=%s", target, err, d)
	},
	GreetingSent: func(connID uint64, profiles []string) {
		log.Printf("beep: greeting sent conn=%d profiles=%v", connID, profiles)
	},
	GreetingReceived: func(connID uint64, profiles []string, err error) {
		log.Printf("beep: greeting received conn=%d profiles=%v err=%v", connID, profiles, err)
	},
	ChannelOpened: func(connID uint64, channel uint32, profile string) {
		log.Printf("beep: channel opened conn=%d channel=%d profile=%s", connID, channel, profile)
	},
	ChannelClosed: func(connID uint64, channel uint32, err error) {
		log.Printf("beep: channel closed conn=%d channel=%d err=%v", connID, channel, err)
	},
	WindowStalled: func(connID uint64, channel uint32) {
		log.Printf("beep: channel stalled conn=%d channel=%d", connID, channel)
	},
	WindowResumed: func(connID uint64, channel uint32) {
		log.Printf("beep: channel resumed conn=%d channel=%d", connID, channel)
	},
	WorkerPanic: func(recovered interface{}) {
		log.Printf("beep: worker panic: %v", recovered)
	},
	Error: func(ctx string, err error) {
		log.Printf("beep: error context=%s err=%v", ctx, err)
	},
}

// Metric additionally logs every frame send/receive; useful during
// development, noisy in production — mirrors the teacher's
// MetricLoggingHooks tier.
var Metric = func() *Trace {
	t := *Logging
	t.FrameSent = func(connID uint64, channel uint32, frameType string, size int) {
		log.Printf("beep: frame sent conn=%d channel=%d type=%s size=%d", connID, channel, frameType, size)
	}
	t.FrameReceived = func(connID uint64, channel uint32, frameType string, size int) {
		log.Printf("beep: frame received conn=%d channel=%d type=%s size=%d", connID, channel, frameType, size)
	}
	return &t
}()
