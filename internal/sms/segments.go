package sms

import "unicode/utf8"

const (
	singleNarrow = 160
	multiNarrow  = 153
	singleWide   = 70
	multiWide    = 67
)

// Segments estimates how many provider segments body occupies.
//
// Bodies made of 7-bit printable characters (plus CR/LF) use the 160/153
// budget; any other character switches the whole body to 70/67. Length is
// counted in characters, not bytes.
func Segments(body string) int {
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return 1
	}
	single, multi := singleNarrow, multiNarrow
	if !narrow(body) {
		single, multi = singleWide, multiWide
	}
	return SegmentCount(n, single, multi)
}

// SegmentCount is the raw arithmetic behind Segments.
func SegmentCount(length, single, multi int) int {
	if length <= single {
		return 1
	}
	return (length + multi - 1) / multi
}

func narrow(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
