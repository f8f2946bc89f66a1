package frame

import "github.com/damianoneill/beep/beeperr"

// Reassembler joins a channel's `more`-flagged continuation frames into
// a single complete Frame, enforcing the RFC 3081 continuation rule from
// spec.md §4.1: the next frame on the same channel must share type
// (and, for ANS, ans-no), and its seqno must equal the previous frame's
// seqno plus the previous frame's size.
//
// Each channel owns one Reassembler, whatever its complete-flag setting;
// it is not safe for concurrent use, matching the single-reader
// discipline of the rest of the decode path.
type Reassembler struct {
	// MaxJoinedSize caps the total number of payload bytes this
	// Reassembler will accumulate before failing with a Protocol error
	// (spec.md §4.1's "reassembly budget"). Zero means unlimited.
	MaxJoinedSize int

	pending    *Frame
	lastSeqno  uint32
	lastSize   int
	joinedSize int
	frameCount int
}

// Feed presents the next raw frame read off the wire for channel C. If f
// completes a message (either it is already complete on its own, or it
// is the final continuation of a pending one), Feed returns the joined
// Frame. Otherwise it returns (nil, nil) and the caller should read the
// next frame.
func (r *Reassembler) Feed(f *Frame) (*Frame, error) {
	if r.pending == nil {
		if !f.More {
			return f, nil
		}
		r.start(f)
		return nil, nil
	}

	if err := r.validateContinuation(f); err != nil {
		return nil, err
	}

	r.pending.Payload = append(r.pending.Payload, f.Payload...)
	r.lastSeqno = f.Seqno
	r.lastSize = len(f.Payload)
	r.joinedSize += len(f.Payload)
	r.frameCount++

	if r.MaxJoinedSize > 0 && r.joinedSize > r.MaxJoinedSize {
		r.reset()
		return nil, beeperr.New(beeperr.Protocol, "reassembly budget exceeded")
	}

	if !f.More {
		done := r.pending
		done.More = false
		done.Joined = r.frameCount > 0
		r.reset()
		return done, nil
	}
	return nil, nil
}

func (r *Reassembler) start(f *Frame) {
	joined := &Frame{
		Type: f.Type, Channel: f.Channel, MsgNo: f.MsgNo, AnsNo: f.AnsNo,
		Seqno: f.Seqno, More: true,
	}
	joined.Payload = append(joined.Payload, f.Payload...)
	r.pending = joined
	r.lastSeqno = f.Seqno
	r.lastSize = len(f.Payload)
	r.joinedSize = len(f.Payload)
	r.frameCount = 0
}

func (r *Reassembler) validateContinuation(f *Frame) error {
	p := r.pending
	switch {
	case f.Channel != p.Channel:
		return beeperr.New(beeperr.Protocol, "continuation frame channel mismatch")
	case f.Type != p.Type:
		return beeperr.New(beeperr.Protocol, "continuation frame type mismatch")
	case f.MsgNo != p.MsgNo:
		return beeperr.New(beeperr.Protocol, "continuation frame msgno mismatch")
	case p.Type.HasAnsNo() && f.AnsNo != p.AnsNo:
		return beeperr.New(beeperr.Protocol, "continuation frame ansno mismatch")
	case f.Seqno != r.lastSeqno+uint32(r.lastSize):
		return beeperr.New(beeperr.Protocol, "continuation frame seqno discontinuity")
	}
	return nil
}

func (r *Reassembler) reset() {
	r.pending = nil
	r.lastSeqno = 0
	r.lastSize = 0
	r.joinedSize = 0
	r.frameCount = 0
}

// Pending reports whether a continuation sequence is currently in
// progress (used by diagnostics / tests).
func (r *Reassembler) Pending() bool { return r.pending != nil }
