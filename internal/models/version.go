package models

import (
	"strconv"
	"strings"
)

// CompareVersions compares two dotted version strings segment by segment.
// Numeric segments compare as integers ("1.10" > "1.9"); other segments
// compare lexically. A leading "v" is ignored and missing segments count
// as zero, so "1.0" == "1". Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := splitVersion(a)
	bs := splitVersion(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if c := compareSegment(x, y); c != 0 {
			return c
		}
	}
	return 0
}

// IsNewer reports whether candidate is strictly newer than current.
func IsNewer(candidate, current string) bool {
	return CompareVersions(candidate, current) > 0
}

func splitVersion(v string) []string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if v == "" {
		return nil
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '-' || r == '_' || r == '+' })
}

func compareSegment(x, y string) int {
	xi, xerr := strconv.ParseUint(x, 10, 64)
	yi, yerr := strconv.ParseUint(y, 10, 64)
	switch {
	case xerr == nil && yerr == nil:
		if xi < yi {
			return -1
		}
		if xi > yi {
			return 1
		}
		return 0
	case xerr == nil:
		// 1.0.0 > 1.0.0-beta style: numeric outranks a label
		return 1
	case yerr == nil:
		return -1
	}
	return strings.Compare(x, y)
}
