package audio

import (
	"io"
	"sync"
)

// Source is a live capture. Reads block until audio is available and
// return io.EOF once Stop was called and everything captured before it has
// been read.
type Source interface {
	io.Reader
	Stop() error
}

// PCMSource buffers frames pushed by a capture callback so they can be
// consumed as a stream. Writes never block.
type PCMSource struct {
	mu      sync.Mutex
	pending []byte
	stopped bool

	onStop   func() error
	stopOnce sync.Once
	stopErr  error

	updateSignal chan struct{}
}

// NewPCMSource returns an empty source. onStop, when set, runs once on the
// first Stop, typically to halt the capture device.
func NewPCMSource(onStop func() error) *PCMSource {
	return &PCMSource{
		onStop:       onStop,
		updateSignal: make(chan struct{}, 1),
	}
}

// Write appends captured audio. Audio written after Stop is discarded.
func (s *PCMSource) Write(frame []byte) (int, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.pending = append(s.pending, frame...)
	s.mu.Unlock()

	s.signalUpdate()
	return len(frame), nil
}

func (s *PCMSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return n, nil
		}
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return 0, io.EOF
		}
		<-s.updateSignal
	}
}

func (s *PCMSource) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.signalUpdate()

		if s.onStop != nil {
			s.stopErr = s.onStop()
		}
	})
	return s.stopErr
}

func (s *PCMSource) signalUpdate() {
	select {
	case s.updateSignal <- struct{}{}:
	default:
	}
}
