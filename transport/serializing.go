package transport

import "sync"

// Serializing wraps t so that concurrent Write calls are fully
// serialized and partial frames from two writers never interleave on
// the wire (spec.md §4.3/§4.6). A Connection does not use it: it
// already serializes its own writes (sequencer frames and the reader's
// inline SEQ frames) under its send mutex.
//
// Reads are never serialized: exactly one goroutine (the reader loop)
// ever calls Read on a given Connection's transport.
func Serializing(t Transport) Transport {
	return &serializingTransport{Transport: t}
}

type serializingTransport struct {
	Transport
	mu sync.Mutex
}

func (s *serializingTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Transport.Write(p)
}
