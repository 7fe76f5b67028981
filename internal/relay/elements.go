package relay

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// element is one numeric TLE field, extracted with the same column slicing
// go-satellite's ParseTLE uses.
type element struct {
	name    string
	extract func(line1, line2 string) string
}

// squeeze drops at most two spaces, as go-satellite does before parsing.
func squeeze(s string) string {
	return strings.Replace(s, " ", "", 2)
}

var floatElements = []element{
	{"mean motion derivative", func(l1, _ string) string { return squeeze(l1[33:43]) }},
	// Implied-decimal exponent fields: sign, mantissa digits, exponent.
	{"mean motion second derivative", func(l1, _ string) string {
		return squeeze(l1[44:45] + "." + l1[45:50] + "e" + l1[50:52])
	}},
	{"bstar", func(l1, _ string) string {
		return squeeze(l1[53:54] + "." + l1[54:59] + "e" + l1[59:61])
	}},
	{"inclination", func(_, l2 string) string { return squeeze(l2[8:16]) }},
	{"right ascension", func(_, l2 string) string { return squeeze(l2[17:25]) }},
	{"eccentricity", func(_, l2 string) string { return "." + l2[26:33] }},
	{"argument of perigee", func(_, l2 string) string { return squeeze(l2[34:42]) }},
	{"mean anomaly", func(_, l2 string) string { return squeeze(l2[43:51]) }},
	{"mean motion", func(_, l2 string) string { return squeeze(l2[52:63]) }},
}

// validateElements parses every field go-satellite reads. go-satellite
// calls log.Fatal on a parse failure and indexes past its month table for
// an epoch day beyond the end of the year, so both must be caught here.
// Lines must already be 69 characters.
func validateElements(line1, line2 string) error {
	satnum := strings.TrimSpace(line1[2:7])
	if _, err := strconv.ParseInt(satnum, 10, 0); err != nil {
		return fmt.Errorf("catalog number %q is not numeric", satnum)
	}

	yy, err := strconv.ParseInt(line1[18:20], 10, 0)
	if err != nil || yy < 0 {
		return fmt.Errorf("epoch year %q is not two digits", line1[18:20])
	}
	days, err := strconv.ParseFloat(line1[20:32], 64)
	if err != nil || math.IsNaN(days) || math.IsInf(days, 0) {
		return fmt.Errorf("epoch day %q is not a number", line1[20:32])
	}
	if days < 1 || math.Floor(days) > float64(daysInYear(yy)) {
		return fmt.Errorf("epoch day %v outside the year", days)
	}

	for _, e := range floatElements {
		text := e.extract(line1, line2)
		v, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s %q is not a number", e.name, text)
		}
	}
	return nil
}

// daysInYear follows go-satellite's year%4 leap rule and its 1957 pivot
// for two-digit years.
func daysInYear(yy int64) int {
	year := yy + 1900
	if yy < 57 {
		year = yy + 2000
	}
	if year%4 == 0 {
		return 366
	}
	return 365
}
