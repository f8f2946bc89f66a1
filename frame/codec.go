package frame

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/damianoneill/beep/beeperr"
)

// MaxHeaderLine bounds the length of a frame header line: a longer line
// is rejected as a Protocol error. The line is read in full before its
// length is checked, so this does not bound what is buffered for a peer
// that never sends a LF.
const MaxHeaderLine = 4096

// Decoder parses a stream of BEEP frames from an underlying io.Reader.
// A Decoder is not safe for concurrent use; the engine gives each
// Connection exactly one Decoder, read only by that connection's reader
// goroutine, mirroring the single-reader discipline of
// netconf/client's per-session decoder.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 8192)}
}

// Next parses and returns the next frame on the wire. It returns a
// beeperr Protocol-category error on any malformed input, per spec.md
// §4.1's decoder contract. A failed read, including a stream cut off
// mid-frame, is a Transport-category error; a stream that ends before
// any byte of a new header returns io.EOF itself.
func (d *Decoder) Next() (*Frame, error) {
	line, err := d.readHeaderLine()
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, beeperr.New(beeperr.Protocol, "empty frame header")
	}

	typ, ok := ParseType(fields[0])
	if !ok {
		return nil, beeperr.New(beeperr.Protocol, "unknown frame type "+fields[0])
	}

	if typ == SEQ {
		return d.decodeSEQ(fields)
	}
	return d.decodeFramed(typ, fields)
}

func (d *Decoder) readHeaderLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		return "", beeperr.Wrap(beeperr.Transport, err, "reading frame header")
	}
	if len(line) > MaxHeaderLine {
		return "", beeperr.New(beeperr.Protocol, "frame header line too long")
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func (d *Decoder) decodeSEQ(fields []string) (*Frame, error) {
	// SEQ channel ackno window
	if len(fields) != 4 {
		return nil, beeperr.New(beeperr.Protocol, "malformed SEQ header")
	}
	channel, err := parseUint32(fields[1])
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Protocol, err, "SEQ channel")
	}
	ackno, err := parseUint32(fields[2])
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Protocol, err, "SEQ ackno")
	}
	window, err := parseUint32(fields[3])
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Protocol, err, "SEQ window")
	}
	return &Frame{Type: SEQ, Channel: channel, Ackno: ackno, Window: window}, nil
}

func (d *Decoder) decodeFramed(typ Type, fields []string) (*Frame, error) {
	// TYPE channel msgno more seqno size [ansno]
	wantFields := 6
	if typ.HasAnsNo() {
		wantFields = 7
	}
	if len(fields) != wantFields {
		return nil, beeperr.New(beeperr.Protocol, "malformed "+typ.String()+" header field count")
	}

	channel, err := parseUint32(fields[1])
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Protocol, err, "channel")
	}
	msgno, err := parseUint32(fields[2])
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Protocol, err, "msgno")
	}
	more, err := parseMore(fields[3])
	if err != nil {
		return nil, err
	}
	seqno, err := parseUint32(fields[4])
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Protocol, err, "seqno")
	}
	size, err := parseUint32(fields[5])
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Protocol, err, "size")
	}
	var ansno uint32
	if typ.HasAnsNo() {
		ansno, err = parseUint32(fields[6])
		if err != nil {
			return nil, beeperr.Wrap(beeperr.Protocol, err, "ansno")
		}
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return nil, beeperr.Wrap(beeperr.Transport, err, "reading frame payload")
		}
	}

	trailer := make([]byte, len(Trailer))
	if _, err := io.ReadFull(d.r, trailer); err != nil {
		return nil, beeperr.Wrap(beeperr.Transport, err, "reading frame trailer")
	}
	if string(trailer) != Trailer {
		return nil, beeperr.New(beeperr.Protocol, "missing END trailer")
	}

	return &Frame{
		Type: typ, Channel: channel, MsgNo: msgno, More: more,
		Seqno: seqno, AnsNo: ansno, Payload: payload,
	}, nil
}

func parseMore(s string) (bool, error) {
	switch s {
	case ".":
		return false, nil
	case "*":
		return true, nil
	default:
		return false, beeperr.New(beeperr.Protocol, "malformed more flag "+s)
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "not a decimal uint32")
	}
	return uint32(v), nil
}

// Encoder emits BEEP frames to an underlying io.Writer. It performs no
// buffering of its own: each Encode call issues exactly the writes
// needed for one frame, so that the caller's connection-level send mutex
// (spec.md §4.3/§4.6) fully serializes the bytes that reach the wire.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes f to the wire, computing `size` from len(f.Payload).
func (e *Encoder) Encode(f *Frame) error {
	if f.Type == SEQ {
		return e.encodeSEQ(f)
	}
	return e.encodeFramed(f)
}

func (e *Encoder) encodeSEQ(f *Frame) error {
	header := "SEQ " + itoa(f.Channel) + " " + itoa(f.Ackno) + " " + itoa(f.Window) + "\r\n"
	_, err := e.w.Write([]byte(header))
	return errors.Wrap(err, "writing SEQ frame")
}

func (e *Encoder) encodeFramed(f *Frame) error {
	more := "."
	if f.More {
		more = "*"
	}
	header := f.Type.String() + " " + itoa(f.Channel) + " " + itoa(f.MsgNo) + " " + more + " " +
		itoa(f.Seqno) + " " + itoa(uint32(len(f.Payload)))
	if f.Type.HasAnsNo() {
		header += " " + itoa(f.AnsNo)
	}
	header += "\r\n"

	if _, err := e.w.Write([]byte(header)); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if len(f.Payload) > 0 {
		if _, err := e.w.Write(f.Payload); err != nil {
			return errors.Wrap(err, "writing frame payload")
		}
	}
	if _, err := e.w.Write([]byte(Trailer)); err != nil {
		return errors.Wrap(err, "writing frame trailer")
	}
	return nil
}

func itoa(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

// PrependMIMEIfMissing returns payload unchanged if it already supplies
// a MIME header region (see hasMIMEHeader), otherwise it prepends the bare "\r\n" blank-line
// separator BEEP uses to mark "no headers", per spec.md §4.1's
// automatic-MIME rule.
func PrependMIMEIfMissing(payload []byte) []byte {
	if hasMIMEHeader(payload) {
		return payload
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, '\r', '\n')
	out = append(out, payload...)
	return out
}
