package envutil

import (
	"testing"
	"time"
)

func TestIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_INT", "not-a-number")
	if got := Int("ENVUTIL_TEST_INT", 42); got != 42 {
		t.Fatalf("Int garbage: got %d want 42", got)
	}
	t.Setenv("ENVUTIL_TEST_INT", "17")
	if got := Int("ENVUTIL_TEST_INT", 42); got != 17 {
		t.Fatalf("Int set: got %d want 17", got)
	}
}

func TestIntClamped(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_CLAMP", "500")
	if got := IntClamped("ENVUTIL_TEST_CLAMP", 5000, 1000, 60000); got != 1000 {
		t.Fatalf("below min: got %d want 1000", got)
	}
	t.Setenv("ENVUTIL_TEST_CLAMP", "90000")
	if got := IntClamped("ENVUTIL_TEST_CLAMP", 5000, 1000, 60000); got != 60000 {
		t.Fatalf("above max: got %d want 60000", got)
	}
	t.Setenv("ENVUTIL_TEST_CLAMP", "")
	if got := IntClamped("ENVUTIL_TEST_CLAMP", 5000, 1000, 60000); got != 5000 {
		t.Fatalf("unset: got %d want 5000", got)
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{"1": true, "true": true, "YES": true, "off": false, "0": false}
	for raw, want := range cases {
		t.Setenv("ENVUTIL_TEST_BOOL", raw)
		if got := Bool("ENVUTIL_TEST_BOOL", !want); got != want {
			t.Errorf("Bool(%q): got %v want %v", raw, got, want)
		}
	}
	t.Setenv("ENVUTIL_TEST_BOOL", "maybe")
	if got := Bool("ENVUTIL_TEST_BOOL", true); got != true {
		t.Errorf("Bool garbage should keep default")
	}
}

func TestMillisDur(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_MS", "250")
	if got := MillisDur("ENVUTIL_TEST_MS", time.Second); got != 250*time.Millisecond {
		t.Fatalf("got %v want 250ms", got)
	}
	t.Setenv("ENVUTIL_TEST_MS", "-5")
	if got := MillisDur("ENVUTIL_TEST_MS", time.Second); got != time.Second {
		t.Fatalf("negative should keep default, got %v", got)
	}
}
