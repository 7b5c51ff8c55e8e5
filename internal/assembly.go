package internal

import (
	"time"
)

// Declared lengths above this are not trusted for preallocation.
const preallocLimit = 1 << 20

type AssemblyLimits struct {
	// MaxBytes caps a single assembled frame, 0 means no cap.
	MaxBytes int
	// IdleTimeout discards an assembly that saw no activity for this long,
	// 0 means never.
	IdleTimeout time.Duration
}

type assembly struct {
	expected int
	received int
	buffer   []byte
	overflow bool
	touched  time.Time
}

// Reassembler turns img_start / chunk / img_end sequences into whole frames.
// With no assembly in progress every chunk is a frame of its own.
type Reassembler struct {
	limits  AssemblyLimits
	current *assembly
}

func (r *Reassembler) Assembling() bool {
	return r.current != nil
}

// Pending reports how many bytes the current assembly has received.
func (r *Reassembler) Pending() int {
	if r.current == nil {
		return 0
	}

	return r.current.received
}

// Start begins a new frame of the given length, 0 meaning "until End". Any
// frame still in progress is discarded and its received size returned.
func (r *Reassembler) Start(expected int, now time.Time) int {
	discarded := r.Reset()

	if expected < 0 {
		expected = 0
	}

	a := &assembly{expected: expected, touched: now}
	if expected > 0 && expected <= preallocLimit {
		a.buffer = make([]byte, 0, expected)
	}

	r.current = a
	return discarded
}

// Chunk feeds one binary message and returns the completed frame, if any.
// ErrFrameTooLarge is returned once, when the cap is first crossed; the rest
// of that frame is swallowed.
func (r *Reassembler) Chunk(b []byte, now time.Time) ([]byte, error) {
	a := r.current
	if a == nil {
		return b, nil
	}

	a.touched = now
	a.received += len(b)

	var err error
	if !a.overflow {
		if r.limits.MaxBytes > 0 && a.received > r.limits.MaxBytes {
			a.overflow = true
			a.buffer = nil
			err = ErrFrameTooLarge
		} else {
			a.buffer = append(a.buffer, b...)
		}
	}

	if a.expected == 0 || a.received < a.expected {
		return nil, err
	}

	r.current = nil
	if a.overflow {
		return nil, err
	}

	return a.buffer, nil
}

// End force-completes the current assembly. Nothing is emitted when no
// assembly is in progress, when it is still empty, or when it overflowed.
func (r *Reassembler) End() ([]byte, bool) {
	a := r.current
	if a == nil || a.received == 0 {
		return nil, false
	}

	r.current = nil
	if a.overflow {
		return nil, false
	}

	return a.buffer, true
}

// Expire discards an assembly that has been idle past the limit. A frame
// with a declared length keeps swallowing its late chunks until the length is
// reached, img_end arrives, or it goes idle once more.
func (r *Reassembler) Expire(now time.Time) (int, bool) {
	a := r.current
	if a == nil || r.limits.IdleTimeout <= 0 || now.Sub(a.touched) <= r.limits.IdleTimeout {
		return 0, false
	}

	if a.expected > 0 && !a.overflow && a.received < a.expected {
		a.overflow = true
		a.buffer = nil
		a.touched = now
		return a.received, true
	}

	return r.Reset(), true
}

// Reset drops whatever is in progress and returns the number of bytes lost.
func (r *Reassembler) Reset() int {
	if r.current == nil {
		return 0
	}

	n := r.current.received
	r.current = nil
	return n
}
