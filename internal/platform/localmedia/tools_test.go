package localmedia

import (
	"strings"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97002997002997},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"bad/1", 0},
	}
	for _, tc := range cases {
		if got := parseFrameRate(tc.in); got != tc.want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestResolutionFilter(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"720p", "scale=-2:720", false},
		{"1080p", "scale=-2:1080", false},
		{"1920x1080", "scale=1920:1080", false},
		{"8000p", "", true},
		{"axb", "", true},
	}
	for _, tc := range cases {
		got, err := resolutionFilter(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("resolutionFilter(%q) accepted, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolutionFilter(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("resolutionFilter(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEncoderFor(t *testing.T) {
	if enc, err := encoderFor(""); err != nil || enc != "libx264" {
		t.Fatalf("default encoder = %q, %v", enc, err)
	}
	if enc, err := encoderFor("h265"); err != nil || enc != "libx265" {
		t.Fatalf("h265 encoder = %q, %v", enc, err)
	}
	if _, err := encoderFor("av9000"); err == nil {
		t.Fatal("unknown codec accepted")
	}
}

func TestScanProgressReportsPercent(t *testing.T) {
	// ffmpeg -progress emits out_time_ms in microseconds.
	stream := strings.Join([]string{
		"frame=100",
		"out_time_ms=5000000",
		"progress=continue",
		"out_time_ms=10000000",
		"progress=end",
	}, "\n")

	var got []float64
	scanProgress(strings.NewReader(stream), 20, func(pct float64) { got = append(got, pct) })
	if len(got) != 2 {
		t.Fatalf("reported %v, want 2 samples", got)
	}
	if got[0] != 25 || got[1] != 50 {
		t.Fatalf("reported %v, want [25 50]", got)
	}
}
