// Package registrytest provides an in-memory registry.Sender for tests.
package registrytest

import (
	"context"
	"errors"
	"sync"

	"github.com/Tyrowin/nexus/internal/protocol"
)

// ErrClosed is returned by Send after Close or Fail.
var ErrClosed = errors.New("registrytest: sender closed")

// Sender records every payload it is asked to send.
type Sender struct {
	mu       sync.Mutex
	payloads [][]byte
	failing  bool
	closed   bool
}

// NewSender returns a Sender that accepts payloads until closed.
func NewSender() *Sender {
	return &Sender{}
}

// Send records payload, or fails once the sender is closed or failing.
func (s *Sender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failing {
		return ErrClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.payloads = append(s.payloads, cp)
	return nil
}

// Close marks the sender closed.
func (s *Sender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Fail makes every later Send return an error, like a dead socket.
func (s *Sender) Fail() {
	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Sender) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Payloads returns a copy of the recorded payloads.
func (s *Sender) Payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// Frames decodes the recorded payloads, skipping anything that is not a frame.
func (s *Sender) Frames() []protocol.Frame {
	var frames []protocol.Frame
	for _, p := range s.Payloads() {
		f, err := protocol.Decode(p)
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames
}

// FramesOfType returns the recorded frames with the given type.
func (s *Sender) FramesOfType(frameType string) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range s.Frames() {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}
