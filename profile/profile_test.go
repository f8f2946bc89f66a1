package profile

import (
	"testing"

	assert "github.com/stretchr/testify/require"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/channel"
	"github.com/damianoneill/beep/frame"
)

type recordingCallback struct {
	channel  uint32
	started  bool
	closed   bool
	received [][]byte
	msgNos   []uint32
}

func (c *recordingCallback) Start(channel uint32, profileData []byte) ([]byte, error) {
	c.started = true
	return []byte("ok"), nil
}
func (c *recordingCallback) FrameReceived(channel uint32, frameType frame.Type, msgNo, ansNo uint32, payload []byte) {
	c.received = append(c.received, payload)
	c.msgNos = append(c.msgNos, msgNo)
}
func (c *recordingCallback) Close(channel uint32) { c.closed = true }

func newTestChannel(number uint32) *channel.Channel {
	return channel.New(number, "", false, channel.DefaultConfig(), nil)
}

func TestRegisterLookupUnregister(t *testing.T) {
	var r Registry
	const uri = "http://example.org/beep/ECHO"

	_, ok := r.Lookup(uri)
	assert.False(t, ok)

	r.Register(uri, func(ch *channel.Channel) Callback { return &recordingCallback{channel: ch.Number} })
	f, ok := r.Lookup(uri)
	assert.True(t, ok)
	assert.NotNil(t, f)

	r.Unregister(uri)
	_, ok = r.Lookup(uri)
	assert.False(t, ok)
}

func TestURIsSorted(t *testing.T) {
	var r Registry
	r.Register("http://example.org/beep/ZZZ", func(*channel.Channel) Callback { return nil })
	r.Register("http://example.org/beep/AAA", func(*channel.Channel) Callback { return nil })

	assert.Equal(t, []string{"http://example.org/beep/AAA", "http://example.org/beep/ZZZ"}, r.URIs())
}

func TestResolvePicksFirstSupportedCandidate(t *testing.T) {
	var r Registry
	r.Register("http://example.org/beep/ECHO", func(ch *channel.Channel) Callback {
		return &recordingCallback{channel: ch.Number}
	})

	uri, factory, err := r.Resolve([]string{"http://example.org/beep/TLS", "http://example.org/beep/ECHO"})
	assert.NoError(t, err)
	assert.Equal(t, "http://example.org/beep/ECHO", uri)
	assert.NotNil(t, factory)

	built := factory(newTestChannel(3))
	assert.Equal(t, uint32(3), built.(*recordingCallback).channel)
}

func TestResolveNoSupportedProfile(t *testing.T) {
	var r Registry
	r.Register("http://example.org/beep/TLS", func(*channel.Channel) Callback { return nil })

	_, _, err := r.Resolve([]string{"http://example.org/beep/SASL"})
	assert.Error(t, err)
	be, ok := beeperr.As(err)
	assert.True(t, ok)
	assert.Equal(t, beeperr.Channel, be.Category)
	assert.Equal(t, beeperr.CodeParameterInvalid, be.Code)
}

func TestCallbackLifecycle(t *testing.T) {
	cb := &recordingCallback{}
	reply, err := cb.Start(1, []byte("profile-init-data"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("ok"), reply)

	cb.FrameReceived(1, frame.MSG, 1, 0, []byte("hello"))
	cb.FrameReceived(1, frame.MSG, 2, 0, []byte("world"))
	assert.Len(t, cb.received, 2)
	assert.Equal(t, []uint32{1, 2}, cb.msgNos)

	cb.Close(1)
	assert.True(t, cb.closed)
}
