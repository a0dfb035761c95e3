package dicom

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DICOM DA values are YYYYMMDD; DT values extend them with a time
// component and optional zone offset. TM values are HHMMSS.FFFFFF with
// only the hour mandatory.

// ParseDate parses a DICOM DA or DT string.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{"20060102", "20060102150405.000000", "20060102150405.000000-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("dicom: invalid date string %q", s)
}

var tmPattern = regexp.MustCompile(`^(\d\d)(?:(\d\d)(?:(\d\d)(?:\.(\d{1,6}))?)?)?$`)

// ParseTime parses a DICOM TM string into a duration since midnight.
func ParseTime(s string) (time.Duration, error) {
	m := tmPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("dicom: invalid time string %q", s)
	}
	hours, _ := strconv.Atoi(m[1])
	d := time.Duration(hours) * time.Hour
	if m[2] != "" {
		minutes, _ := strconv.Atoi(m[2])
		d += time.Duration(minutes) * time.Minute
	}
	if m[3] != "" {
		seconds, _ := strconv.Atoi(m[3])
		d += time.Duration(seconds) * time.Second
	}
	if m[4] != "" {
		frac := m[4]
		for len(frac) < 6 {
			frac += "0"
		}
		micros, _ := strconv.Atoi(frac)
		d += time.Duration(micros) * time.Microsecond
	}
	return d, nil
}

// FormatDate renders a time as a DICOM date or datetime string. The time
// component is omitted when it is zero unless withTime forces it.
func FormatDate(t time.Time, withTime bool) string {
	midnight := t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
	if withTime || !midnight {
		if _, off := t.Zone(); off != 0 {
			return t.Format("20060102150405.000000-0700")
		}
		return t.Format("20060102150405.000000")
	}
	return t.Format("20060102")
}

// FormatTime renders a duration since midnight as a DICOM TM string.
func FormatTime(d time.Duration) string {
	ref := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC).Add(d)
	return ref.Format("150405.000000")
}

// DateRange renders a DICOM range matching value for StudyDate queries.
// Either bound may be zero for an open range; both zero returns the empty
// string (no date filter).
func DateRange(start, end time.Time) string {
	switch {
	case start.IsZero() && end.IsZero():
		return ""
	case end.IsZero():
		return FormatDate(start, false) + "-"
	case start.IsZero():
		return "-" + FormatDate(end, false)
	default:
		return FormatDate(start, false) + "-" + FormatDate(end, false)
	}
}
