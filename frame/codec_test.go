package frame

import (
	"bytes"
	"testing"

	assert "github.com/stretchr/testify/require"

	"github.com/damianoneill/beep/beeperr"
)

func TestEncodeSingleRequestReply(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	err := enc.Encode(&Frame{Type: MSG, Channel: 1, MsgNo: 0, More: false, Seqno: 0, Payload: []byte("ping")})
	assert.NoError(t, err)
	assert.Equal(t, "MSG 1 0 . 0 4\r\nping"+Trailer, buf.String())

	buf.Reset()
	err = enc.Encode(&Frame{Type: RPY, Channel: 1, MsgNo: 0, More: false, Seqno: 0, Payload: []byte("pong")})
	assert.NoError(t, err)
	assert.Equal(t, "RPY 1 0 . 0 4\r\npong"+Trailer, buf.String())
}

func TestDecodeRoundTrip(t *testing.T) {
	tests := []*Frame{
		{Type: MSG, Channel: 1, MsgNo: 0, More: false, Seqno: 0, Payload: []byte("ping")},
		{Type: MSG, Channel: 1, MsgNo: 0, More: false, Seqno: 0, Payload: []byte{}},
		{Type: ANS, Channel: 5, MsgNo: 7, More: false, Seqno: 0, AnsNo: 1, Payload: []byte("bb")},
		{Type: NUL, Channel: 5, MsgNo: 7, More: false, Seqno: 2, Payload: []byte{}},
		{Type: SEQ, Channel: 3, Ackno: 4096, Window: 8192},
	}

	for _, f := range tests {
		var buf bytes.Buffer
		assert.NoError(t, NewEncoder(&buf).Encode(f))
		wire := buf.String()

		got, err := NewDecoder(&buf).Next()
		assert.NoError(t, err)
		assert.Equal(t, f.Type, got.Type)
		assert.Equal(t, f.Channel, got.Channel)
		assert.Equal(t, f.Payload, got.Payload)

		var reenc bytes.Buffer
		assert.NoError(t, NewEncoder(&reenc).Encode(got))
		assert.Equal(t, wire, reenc.String(), "encode(parse(bytes)) == bytes")
	}
}

func TestZeroLengthMessage(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, NewEncoder(&buf).Encode(&Frame{Type: MSG, Channel: 1, Seqno: 0}))
	assert.Equal(t, "MSG 1 0 . 0 0\r\n"+Trailer, buf.String())

	got, err := NewDecoder(&buf).Next()
	assert.NoError(t, err)
	assert.Equal(t, 0, got.Size())
	assert.False(t, got.More)
}

func TestAnsNulSeries(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	assert.NoError(t, enc.Encode(&Frame{Type: ANS, Channel: 5, MsgNo: 7, AnsNo: 0, Payload: []byte("a")}))
	assert.NoError(t, enc.Encode(&Frame{Type: ANS, Channel: 5, MsgNo: 7, AnsNo: 1, Seqno: 1, Payload: []byte("bb")}))
	assert.NoError(t, enc.Encode(&Frame{Type: NUL, Channel: 5, MsgNo: 7, Seqno: 3}))

	expected := "ANS 5 7 . 0 1 0\r\na" + Trailer +
		"ANS 5 7 . 1 2 1\r\nbb" + Trailer +
		"NUL 5 7 . 3 0\r\n" + Trailer
	assert.Equal(t, expected, buf.String())
}

func TestDecodeMalformedTrailerIsProtocolError(t *testing.T) {
	wire := "MSG 1 0 . 0 4\r\npingXXXXX"
	_, err := NewDecoder(bytes.NewBufferString(wire)).Next()
	assert.Error(t, err)
	be, ok := beeperr.As(err)
	assert.True(t, ok)
	assert.Equal(t, beeperr.Protocol, be.Category)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := NewDecoder(bytes.NewBufferString("FOO 1 0 . 0 0\r\n" + Trailer)).Next()
	assert.Error(t, err)
}

func TestSegmentation(t *testing.T) {
	// window 4096, 10000 byte payload => 3 frames, sizes 4096,4096,1808.
	payload := bytes.Repeat([]byte{'x'}, 10000)
	const window = 4096

	var frames []*Frame
	seq := uint32(0)
	for off := 0; off < len(payload); {
		n := window
		if len(payload)-off < n {
			n = len(payload) - off
		}
		more := off+n < len(payload)
		frames = append(frames, &Frame{Type: MSG, Channel: 1, MsgNo: 0, More: more, Seqno: seq, Payload: payload[off : off+n]})
		seq += uint32(n)
		off += n
	}

	assert.Len(t, frames, 3)
	assert.Equal(t, []int{4096, 4096, 1808}, []int{frames[0].Size(), frames[1].Size(), frames[2].Size()})
	assert.Equal(t, []bool{true, true, false}, []bool{frames[0].More, frames[1].More, frames[2].More})
	assert.Equal(t, []uint32{0, 4096, 8192}, []uint32{frames[0].Seqno, frames[1].Seqno, frames[2].Seqno})
}

func TestMIMESplit(t *testing.T) {
	f := &Frame{Payload: []byte("Content-Type: text/plain\r\n\r\nbody text")}
	assert.Equal(t, "Content-Type: text/plain\r\n\r\n", string(f.MIMEHeader()))
	assert.Equal(t, "body text", string(f.MIMEBody()))

	f2 := &Frame{Payload: []byte("no header here")}
	assert.Equal(t, "", string(f2.MIMEHeader()))
	assert.Equal(t, "no header here", string(f2.MIMEBody()))
}

func TestPrependMIMEIfMissing(t *testing.T) {
	assert.Equal(t, []byte("\r\nraw"), PrependMIMEIfMissing([]byte("raw")))
	already := []byte("Content-Type: x\r\n\r\nbody")
	assert.Equal(t, already, PrependMIMEIfMissing(already))
}
