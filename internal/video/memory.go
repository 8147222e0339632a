package video

import "sync"

// MemoryOpener keeps every opened sink in memory, keyed by path.
type MemoryOpener struct {
	mu    sync.Mutex
	sinks map[string]*MemorySink
}

func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{sinks: map[string]*MemorySink{}}
}

func (o *MemoryOpener) Open(path string, fps int, size Size) (Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &MemorySink{Path: path, FPS: fps, Size: size}
	o.sinks[path] = s
	return s, nil
}

func (o *MemoryOpener) Sink(path string) *MemorySink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sinks[path]
}

func (o *MemoryOpener) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.sinks))
	for p := range o.sinks {
		out = append(out, p)
	}
	return out
}

type MemorySink struct {
	Path string
	FPS  int
	Size Size

	mu       sync.Mutex
	frames   [][]byte
	released int
	late     int
}

func (s *MemorySink) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released > 0 {
		s.late++
		return ErrReleased
	}
	if len(frame) != s.Size.FrameBytes() {
		return ErrBadFrame
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *MemorySink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *MemorySink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Releases counts Release calls, including repeated ones.
func (s *MemorySink) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// LateWrites counts writes attempted after release.
func (s *MemorySink) LateWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.late
}
