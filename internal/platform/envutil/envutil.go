package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Str returns the trimmed value of the named variable, or def when unset or
// blank.
func Str(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

// Int returns the named variable parsed as an int, or def when unset or
// unparseable.
func Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// IntClamped is Int bounded to [min, max].
func IntClamped(name string, def, min, max int) int {
	i := Int(name, def)
	if i < min {
		return min
	}
	if i > max {
		return max
	}
	return i
}

// Float returns the named variable parsed as a float64, or def.
func Float(name string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Bool treats 1/true/yes/on as true and 0/false/no/off as false; anything
// else yields def.
func Bool(name string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// MillisDur reads the named variable as a millisecond count. Negative or
// unparseable values fall back to def.
func MillisDur(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return def
	}
	return time.Duration(i) * time.Millisecond
}
