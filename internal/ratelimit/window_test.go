package ratelimit

import (
	"testing"
	"time"
)

func TestAdmissionLog_GrowsUpToMax(t *testing.T) {
	a := newAdmissionLog(10)
	for i := 0; i < 10; i++ {
		a.push(t0.Add(time.Duration(i) * time.Second))
	}
	if a.len() != 10 {
		t.Fatalf("len = %d, want 10", a.len())
	}
	if len(a.buf) != 10 {
		t.Fatalf("buffer size = %d, want capped at 10", len(a.buf))
	}
	if !a.front().Equal(t0) {
		t.Fatalf("front = %s, want t0", a.front())
	}
}

func TestAdmissionLog_PurgeFromFrontOnly(t *testing.T) {
	a := newAdmissionLog(4)
	for _, s := range []int{0, 1, 2, 3} {
		a.push(t0.Add(time.Duration(s) * time.Second))
	}

	dropped := a.purge(t0.Add(12*time.Second), 10*time.Second)
	if dropped != 3 {
		t.Fatalf("dropped = %d, want 3 (0s, 1s and the 2s entry exactly one window old)", dropped)
	}
	if a.len() != 1 {
		t.Fatalf("len = %d, want 1", a.len())
	}
	if !a.front().Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("front = %s, want t0+3s", a.front().Sub(t0))
	}
}

func TestAdmissionLog_WrapsAround(t *testing.T) {
	const window = 10 * time.Second
	a := newAdmissionLog(3)

	// keep the ring full while the head walks around it several times
	now := t0
	for i := 0; i < 20; i++ {
		a.purge(now, window)
		if a.len() < 3 {
			a.push(now)
		}
		now = now.Add(4 * time.Second)
	}

	if a.len() > 3 {
		t.Fatalf("len = %d exceeds max", a.len())
	}
	// entries must remain oldest first
	prev := time.Time{}
	for i := 0; i < a.len(); i++ {
		cur := a.buf[(a.head+i)%len(a.buf)]
		if cur.Before(prev) {
			t.Fatalf("entry %d (%s) is older than entry %d", i, cur.Sub(t0), i-1)
		}
		prev = cur
	}
}

func TestAdmissionLog_GrowPreservesOrderAfterWrap(t *testing.T) {
	a := newAdmissionLog(16)
	for i := 0; i < 4; i++ {
		a.push(t0.Add(time.Duration(i) * time.Second))
	}
	// move head forward, then refill so the ring wraps before growing
	a.purge(t0.Add(12*time.Second), 10*time.Second)
	for i := 4; i < 9; i++ {
		a.push(t0.Add(time.Duration(i) * time.Second))
	}

	want := []int{3, 4, 5, 6, 7, 8}
	if a.len() != len(want) {
		t.Fatalf("len = %d, want %d", a.len(), len(want))
	}
	for i, s := range want {
		got := a.buf[(a.head+i)%len(a.buf)]
		if !got.Equal(t0.Add(time.Duration(s) * time.Second)) {
			t.Fatalf("entry %d = %s, want %ds", i, got.Sub(t0), s)
		}
	}
}

func TestAdmissionLog_EmptyResetsHead(t *testing.T) {
	a := newAdmissionLog(4)
	a.push(t0)
	a.push(t0.Add(time.Second))
	a.purge(t0.Add(time.Hour), time.Minute)
	if a.len() != 0 || a.head != 0 {
		t.Fatalf("len = %d head = %d, want 0 0", a.len(), a.head)
	}
}
