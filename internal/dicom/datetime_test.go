package dicom

import (
	"testing"
	"time"
)

func TestParseDate_DateOnly(t *testing.T) {
	got, err := ParseDate("20210317")
	if err != nil {
		t.Fatalf("ParseDate() failed: %v", err)
	}
	want := time.Date(2021, 3, 17, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseDate() = %v, want %v", got, want)
	}
}

func TestParseDate_DateTime(t *testing.T) {
	got, err := ParseDate("20210317142530.500000")
	if err != nil {
		t.Fatalf("ParseDate() failed: %v", err)
	}
	if got.Hour() != 14 || got.Minute() != 25 || got.Second() != 30 {
		t.Errorf("ParseDate() time component = %v", got)
	}
	if got.Nanosecond() != 500000*1000 {
		t.Errorf("fraction = %d ns", got.Nanosecond())
	}
}

func TestParseDate_Invalid(t *testing.T) {
	for _, s := range []string{"", "2021", "17/03/2021", "202103"} {
		if _, err := ParseDate(s); err == nil {
			t.Errorf("ParseDate(%q) accepted invalid input", s)
		}
	}
}

func TestParseTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"14", 14 * time.Hour},
		{"1425", 14*time.Hour + 25*time.Minute},
		{"142530", 14*time.Hour + 25*time.Minute + 30*time.Second},
		{"142530.5", 14*time.Hour + 25*time.Minute + 30*time.Second + 500 * time.Millisecond},
		{"142530.123456", 14*time.Hour + 25*time.Minute + 30*time.Second + 123456*time.Microsecond},
	}
	for _, tc := range cases {
		got, err := ParseTime(tc.in)
		if err != nil {
			t.Errorf("ParseTime(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseTime_Invalid(t *testing.T) {
	for _, s := range []string{"", "7", "1a", "142530.1234567", "14:25:30"} {
		if _, err := ParseTime(s); err == nil {
			t.Errorf("ParseTime(%q) accepted invalid input", s)
		}
	}
}

func TestFormatDate_OmitsMidnight(t *testing.T) {
	d := time.Date(2021, 3, 17, 0, 0, 0, 0, time.UTC)
	if got := FormatDate(d, false); got != "20210317" {
		t.Errorf("FormatDate() = %q, want %q", got, "20210317")
	}
	if got := FormatDate(d, true); got != "20210317000000.000000" {
		t.Errorf("FormatDate(withTime) = %q, want %q", got, "20210317000000.000000")
	}
}

func TestFormatTime_RoundTrip(t *testing.T) {
	d := 9*time.Hour + 41*time.Minute + 7*time.Second
	s := FormatTime(d)
	got, err := ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime(%q) failed: %v", s, err)
	}
	if got != d {
		t.Errorf("round trip = %v, want %v", got, d)
	}
}

func TestDateRange(t *testing.T) {
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2021, 6, 30, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		start, end time.Time
		want       string
	}{
		{start, end, "20210101-20210630"},
		{start, time.Time{}, "20210101-"},
		{time.Time{}, end, "-20210630"},
		{time.Time{}, time.Time{}, ""},
	}
	for _, tc := range cases {
		if got := DateRange(tc.start, tc.end); got != tc.want {
			t.Errorf("DateRange() = %q, want %q", got, tc.want)
		}
	}
}
