// Package locations hands out spawn poses for one tile. Every pool is shuffled
// once and then consumed from the tail, so a pose is never handed out twice.
package locations

import (
	"context"
	"errors"
	"math/rand"
)

// ErrExhausted is returned when a pool that must cover the configured counts
// runs dry.
var ErrExhausted = errors.New("location pool exhausted")

type Pool[T any] struct {
	items []T
}

// Shuffle copies items into a new pool in random order.
func Shuffle[T any](rng *rand.Rand, items []T) *Pool[T] {
	p := &Pool[T]{items: append([]T(nil), items...)}
	rng.Shuffle(len(p.items), func(i, j int) { p.items[i], p.items[j] = p.items[j], p.items[i] })
	return p
}

// Pop removes and returns the last item. ok is false once the pool is empty.
func (p *Pool[T]) Pop() (item T, ok bool) {
	if len(p.items) == 0 {
		return item, false
	}
	last := len(p.items) - 1
	item = p.items[last]
	p.items = p.items[:last]
	return item, true
}

func (p *Pool[T]) Len() int { return len(p.items) }

// DrawN calls sample until it has produced n distinct values and returns them
// in first-seen order. There is no retry ceiling: a sampler with fewer than n
// distinct outcomes keeps the call spinning until ctx is done.
func DrawN[T comparable](ctx context.Context, sample func(context.Context) (T, error), n int) ([]T, error) {
	seen := make(map[T]struct{}, n)
	out := make([]T, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		v, err := sample(ctx)
		if err != nil {
			return out, err
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}
