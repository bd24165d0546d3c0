package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

var errInvalidConfig = errors.New("invalid limiter config")

func topFrame(t *testing.T, err error) string {
	t.Helper()
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatalf("%v carries no stack", err)
	}
	fr, _ := runtime.CallersFrames(hs.StackPCs()).Next()
	return fr.Function
}

func TestNew(t *testing.T) {
	err := New("shard count must be > 0")
	if err.Error() != "shard count must be > 0" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if fn := topFrame(t, err); !strings.HasSuffix(fn, "TestNew") {
		t.Fatalf("top frame = %s, want caller", fn)
	}
}

func TestNewf(t *testing.T) {
	err := Newf("limit must be > 0 (got %d)", -1)
	if err.Error() != "limit must be > 0 (got -1)" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if fn := topFrame(t, err); !strings.HasSuffix(fn, "TestNewf") {
		t.Fatalf("top frame = %s", fn)
	}
}

func TestWithStack(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	err := WithStack(errInvalidConfig)
	if !errors.Is(err, errInvalidConfig) || err.Error() != errInvalidConfig.Error() {
		t.Fatalf("WithStack changed the error: %v", err)
	}
	if fn := topFrame(t, err); !strings.HasSuffix(fn, "TestWithStack") {
		t.Fatalf("top frame = %s", fn)
	}
}

func TestEnsureTrace(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}

	bare := EnsureTrace(errInvalidConfig)
	if !HasStack(bare) {
		t.Fatal("EnsureTrace should add a stack to a bare error")
	}

	traced := New("already traced")
	if got := EnsureTrace(traced); got != traced {
		t.Fatal("EnsureTrace should not re-wrap a traced error")
	}

	wrapped := Wrap(traced, "outer")
	if got := EnsureTrace(wrapped); got != wrapped {
		t.Fatal("EnsureTrace should find a stack deeper in the chain")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("wrapping nil should be nil")
	}

	err := Wrap(errInvalidConfig, "ratelimit")
	if err.Error() != "ratelimit: invalid limiter config" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errInvalidConfig) {
		t.Fatal("Wrap should preserve errors.Is")
	}

	var pc interface{ PC() uintptr }
	if !errors.As(err, &pc) || pc.PC() == 0 {
		t.Fatal("Wrap should record the caller pc")
	}
	fn := runtime.FuncForPC(pc.PC())
	if fn == nil || !strings.HasSuffix(fn.Name(), "TestWrap") {
		t.Fatalf("wrap pc resolves to %v", fn)
	}
	if HasStack(err) {
		t.Fatal("Wrap should not capture a full stack")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(errInvalidConfig, "policy %q", "5/0s")
	if err.Error() != `policy "5/0s": invalid limiter config` {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrappers_AreMarked(t *testing.T) {
	var marker interface{ IsXerrorsWrapper() }
	for _, err := range []error{New("a"), WithStack(errInvalidConfig), Wrap(errInvalidConfig, "b")} {
		if !errors.As(err, &marker) {
			t.Errorf("%v is not marked as an xerrors wrapper", err)
		}
	}
}

func TestJoinedErrors(t *testing.T) {
	err := Wrap(errors.Join(errInvalidConfig, New("window must be > 0")), "ratelimit")
	if !errors.Is(err, errInvalidConfig) {
		t.Fatal("joined sentinel lost")
	}
	if !HasStack(err) {
		t.Fatal("stack inside a join should be visible")
	}
}
