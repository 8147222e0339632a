// Package capture turns engine sensor frames into recorded video.
package capture

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/video"
)

type State int

const (
	WarmingUp State = iota
	Active
	Drained
	Closed
)

func (s State) String() string {
	switch s {
	case WarmingUp:
		return "WARMING_UP"
	case Active:
		return "ACTIVE"
	case Drained:
		return "DRAINED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Listener gates the frames of one sensor into a sink. The counter starts at
// -warmup and grows by one per delivered frame; a frame is written when the
// counter was in [0, target) before the increment. Close pins the counter far
// below zero so frames racing with teardown never reach the sink again.
//
// OnFrame runs on the engine's delivery goroutine and Close on the control
// goroutine. They share only the sink lock, so once Close returns no write is
// in flight and Written is final.
type Listener struct {
	Name     string
	semantic bool
	size     video.Size
	target   int64

	count   atomic.Int64
	written atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool
	lastErr atomic.Pointer[error]

	sinkMu sync.Mutex
	sink   video.Sink
}

func NewListener(name string, sink video.Sink, size video.Size, warmup, target int, semantic bool) *Listener {
	l := &Listener{Name: name, semantic: semantic, size: size, target: int64(target), sink: sink}
	l.count.Store(-int64(warmup))
	return l
}

// OnFrame is the engine.FrameFunc of the listener's sensor.
func (l *Listener) OnFrame(img engine.Image) {
	n := l.count.Add(1) - 1
	if n < 0 || n >= l.target {
		return
	}
	if img.Width != l.size.Width || img.Height != l.size.Height {
		l.fail(fmt.Errorf("%s: frame %dx%d, sink %dx%d", l.Name, img.Width, img.Height, l.size.Width, l.size.Height))
		return
	}
	bgr, err := ToBGR(img, l.semantic)
	if err != nil {
		l.fail(err)
		return
	}
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	if err := l.sink.Write(bgr); err != nil {
		if errors.Is(err, video.ErrReleased) {
			return
		}
		l.fail(err)
		return
	}
	l.written.Add(1)
}

func (l *Listener) fail(err error) {
	l.dropped.Add(1)
	l.lastErr.Store(&err)
}

// Close releases the sink once. Later calls return nil.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.count.Store(math.MinInt64)
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	return l.sink.Release()
}

// Count is the raw frame counter; negative while warming up.
func (l *Listener) Count() int64 { return l.count.Load() }

func (l *Listener) Target() int64 { return l.target }

// Written is the number of frames that reached the sink.
func (l *Listener) Written() int64 { return l.written.Load() }

// Dropped is the number of accepted frames that could not be written.
func (l *Listener) Dropped() int64 { return l.dropped.Load() }

func (l *Listener) Err() error {
	if p := l.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *Listener) State() State {
	if l.closed.Load() {
		return Closed
	}
	switch n := l.count.Load(); {
	case n < 0:
		return WarmingUp
	case n < l.target:
		return Active
	default:
		return Drained
	}
}

// MinCount is the smallest frame counter among ls, floored at zero. The
// slowest camera decides when a tile has recorded enough.
func MinCount(ls []*Listener) int64 {
	if len(ls) == 0 {
		return 0
	}
	m := ls[0].Count()
	for _, l := range ls[1:] {
		if c := l.Count(); c < m {
			m = c
		}
	}
	if m < 0 {
		return 0
	}
	return m
}
