package model

import (
	"regexp"
	"strconv"
	"strings"
)

var vanityPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,10}$`)

// ValidVanity reports whether s is an acceptable custom bib number.
func ValidVanity(s string) bool {
	return vanityPattern.MatchString(s)
}

// FormatBib applies a category bib template to a counter value.
//
// Each run of '#' becomes the zero-padded number, so "C-####" with 2 yields
// "C-0002". A number wider than the run is written in full. A template with no
// '#' gets the number appended, and an empty template yields the bare number.
func FormatBib(template string, n int64) string {
	num := strconv.FormatInt(n, 10)
	if !strings.Contains(template, "#") {
		return template + num
	}

	var b strings.Builder
	for i := 0; i < len(template); {
		if template[i] != '#' {
			b.WriteByte(template[i])
			i++
			continue
		}
		width := 0
		for i < len(template) && template[i] == '#' {
			width++
			i++
		}
		if pad := width - len(num); pad > 0 {
			b.WriteString(strings.Repeat("0", pad))
		}
		b.WriteString(num)
	}
	return b.String()
}
