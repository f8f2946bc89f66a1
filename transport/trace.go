package transport

import (
	"context"

	"github.com/damianoneill/beep/trace"
)

// Traced wraps an existing Transport so every failed Read (other than
// EOF) and every failed Write is reported through the Error hook, the way tImpl's traceReader/traceWriter
// instrument the NETCONF SSH transport's stdin/stdout pipes.
func Traced(ctx context.Context, t Transport) Transport {
	tr := trace.From(ctx)
	return &tracedTransport{Transport: t, trace: tr}
}

type tracedTransport struct {
	Transport
	trace *trace.Trace
}

func (t *tracedTransport) Read(p []byte) (int, error) {
	n, err := t.Transport.Read(p)
	if err != nil && err.Error() != "EOF" {
		t.trace.Error("transport read "+t.RemoteAddr(), err)
	}
	return n, err
}

func (t *tracedTransport) Write(p []byte) (int, error) {
	n, err := t.Transport.Write(p)
	if err != nil {
		t.trace.Error("transport write "+t.RemoteAddr(), err)
	}
	return n, err
}
