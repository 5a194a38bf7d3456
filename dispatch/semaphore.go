package dispatch

import "context"

// Semaphore is a counting semaphore bounding in-flight worker calls across
// the whole process. A single instance is injected into every dispatcher so
// the cap holds across concurrent items, not per item.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Capacity below
// one is clamped to one.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
		// Release without acquire is a programming error; dropping it keeps
		// the semaphore consistent instead of blocking forever.
	}
}

// InFlight returns the number of currently held slots.
func (s *Semaphore) InFlight() int {
	return len(s.slots)
}

// Cap returns the capacity.
func (s *Semaphore) Cap() int {
	return cap(s.slots)
}
