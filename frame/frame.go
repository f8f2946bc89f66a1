// Package frame implements the RFC 3081 BEEP frame codec: parsing and
// emitting MSG/RPY/ERR/ANS/NUL/SEQ frames, including the `more`-bit
// segmentation rule and MIME-header/body splitting.
//
// The decoder's "read a header line, then read exactly size payload
// bytes, then verify a trailer" shape follows the token-scanning style of
// github.com/damianoneill/net/v2/netconf/rfc6242's chunked-framing
// decoder, adapted from NETCONF's length-prefixed chunk grammar to BEEP's
// header-line-plus-trailer grammar.
package frame

import "bytes"

// Type identifies the six BEEP frame kinds from spec.md §4.1.
type Type int

const (
	MSG Type = iota
	RPY
	ERR
	ANS
	NUL
	SEQ
)

func (t Type) String() string {
	switch t {
	case MSG:
		return "MSG"
	case RPY:
		return "RPY"
	case ERR:
		return "ERR"
	case ANS:
		return "ANS"
	case NUL:
		return "NUL"
	case SEQ:
		return "SEQ"
	default:
		return "???"
	}
}

// ParseType maps a header token to a Type, reporting ok=false for any
// other token.
func ParseType(s string) (Type, bool) {
	switch s {
	case "MSG":
		return MSG, true
	case "RPY":
		return RPY, true
	case "ERR":
		return ERR, true
	case "ANS":
		return ANS, true
	case "NUL":
		return NUL, true
	case "SEQ":
		return SEQ, true
	default:
		return 0, false
	}
}

// HasAnsNo reports whether this frame type carries an ans-no field.
func (t Type) HasAnsNo() bool { return t == ANS }

// HasPayload reports whether this frame type carries a payload and
// trailer on the wire. SEQ frames carry neither.
func (t Type) HasPayload() bool { return t != SEQ }

// Trailer is the fixed 5-byte terminator following every non-SEQ frame's
// payload, per spec.md §4.1.
const Trailer = "END\r\n"

// Frame is a single parsed or to-be-encoded on-wire BEEP unit. Frames are
// immutable once constructed by Decoder.Next or Encode's caller; a Frame
// produced by Reassembler.Feed may be marked Joined.
type Frame struct {
	Type    Type
	Channel uint32
	MsgNo   uint32
	More    bool // true == continuation ('*'), false == complete ('.')
	Seqno   uint32
	AnsNo   uint32 // valid only when Type == ANS
	Payload []byte

	// SEQ-only fields.
	Ackno  uint32
	Window uint32

	// Joined reports whether this Frame is the product of reassembling
	// one or more `more`-flagged continuation frames.
	Joined bool
}

// Size is the exact payload length, i.e. the wire `size` field.
func (f *Frame) Size() int { return len(f.Payload) }

// MIMEHeader returns the MIME header region of the payload: everything
// up to and including the first blank line ("\r\n\r\n"). If no blank
// line is present the header region is empty.
func (f *Frame) MIMEHeader() []byte {
	h, _ := splitMIME(f.Payload)
	return h
}

// MIMEBody returns the MIME body region of the payload: everything after
// the first blank line, or the entire payload if there is no blank line.
func (f *Frame) MIMEBody() []byte {
	_, b := splitMIME(f.Payload)
	return b
}

func splitMIME(payload []byte) (header, body []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(payload, sep)
	if idx < 0 {
		return nil, payload
	}
	return payload[:idx+len(sep)], payload[idx+len(sep):]
}

// hasMIMEHeader reports whether payload already supplies its own MIME
// header region: either it already starts with the bare blank-line
// separator (an explicit empty header), or it contains a header/body
// boundary at all. Used by PrependMIMEIfMissing's automatic-MIME
// insertion (spec.md §4.1); Encode does not call it.
func hasMIMEHeader(payload []byte) bool {
	if bytes.HasPrefix(payload, []byte("\r\n")) {
		return true
	}
	return bytes.Contains(payload, []byte("\r\n\r\n"))
}
