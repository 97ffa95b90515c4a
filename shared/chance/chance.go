// Package chance picks values at random from weighted choices. Every chooser
// takes its random source explicitly so callers can seed it in tests.
package chance

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

var ErrNoChoices = errors.New("no choices with positive weight")

type Choice[T any] struct {
	Value  T
	Weight float64
}

// Source is the subset of *rand.Rand the choosers need.
type Source interface {
	Float64() float64
}

// Chooser picks one of the choices. Implementations must be safe to call from one goroutine at a time.
type Chooser[T any] func(src Source, choices []Choice[T]) (T, error)

// Weighted picks a choice with probability proportional to its weight.
// Non-positive weights are never picked.
func Weighted[T any](src Source, choices []Choice[T]) (T, error) {
	var zero T
	total := 0.0
	for _, c := range choices {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		return zero, ErrNoChoices
	}
	target := src.Float64() * total
	last := -1
	for i, c := range choices {
		if c.Weight <= 0 {
			continue
		}
		last = i
		if target < c.Weight {
			return c.Value, nil
		}
		target -= c.Weight
	}
	// float rounding can leave target marginally above the final weight
	return choices[last].Value, nil
}

// Uniform gives every value the same weight.
func Uniform[T any](values ...T) []Choice[T] {
	out := make([]Choice[T], 0, len(values))
	for _, v := range values {
		out = append(out, Choice[T]{Value: v, Weight: 1})
	}
	return out
}

// Pick is Weighted over equally likely values.
func Pick[T any](src Source, values ...T) (T, error) {
	return Weighted(src, Uniform(values...))
}

// Roll reports whether an event with probability p happens.
func Roll(src Source, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return src.Float64() < p
}

// Seeded returns a deterministic source.
func Seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Locked wraps a source with a mutex for use from several goroutines.
type Locked struct {
	mu  sync.Mutex
	src Source
}

func NewLocked(src Source) *Locked {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = Seeded(seed)
	}
	return &Locked{src: src}
}

func (l *Locked) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}
