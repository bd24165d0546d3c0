package ratelimit

import "time"

// admissionLog is a ring buffer of admission times, oldest first.
// It never holds more than max entries, and only the front is ever removed.
type admissionLog struct {
	buf  []time.Time
	head int
	n    int
	max  int
}

func newAdmissionLog(max int) *admissionLog {
	return &admissionLog{max: max}
}

func (a *admissionLog) len() int { return a.n }

// front returns the oldest entry. Callers must check len first.
func (a *admissionLog) front() time.Time {
	return a.buf[a.head]
}

// purge drops entries from the front while now-t >= window.
// An entry exactly one window old is outside the window.
func (a *admissionLog) purge(now time.Time, window time.Duration) int {
	dropped := 0
	for a.n > 0 && now.Sub(a.buf[a.head]) >= window {
		a.buf[a.head] = time.Time{}
		a.head = (a.head + 1) % len(a.buf)
		a.n--
		dropped++
	}
	if a.n == 0 {
		a.head = 0
	}
	return dropped
}

// push appends t at the back. The caller guarantees len < max.
func (a *admissionLog) push(t time.Time) {
	if a.n == len(a.buf) {
		a.grow()
	}
	a.buf[(a.head+a.n)%len(a.buf)] = t
	a.n++
}

// grow doubles the buffer up to max, unrolling the ring so head is 0.
func (a *admissionLog) grow() {
	size := len(a.buf) * 2
	if size == 0 {
		size = 4
	}
	if size > a.max {
		size = a.max
	}
	next := make([]time.Time, size)
	for i := 0; i < a.n; i++ {
		next[i] = a.buf[(a.head+i)%len(a.buf)]
	}
	a.buf = next
	a.head = 0
}
