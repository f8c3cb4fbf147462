// Package coerce converts loosely formatted scraped numbers ("12k", "1,5m",
// "3 400", "3,14") into integers and floats. Conversions never fail: input
// that cannot be parsed becomes zero.
package coerce

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/cast"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var multipliers = map[byte]float64{
	'k': 1_000,
	'm': 1_000_000,
}

// ParseInt coerces v into an integer. Numeric values pass through (floats
// are truncated). Strings are normalized and may carry a k/m suffix.
func ParseInt(v any) int64 {
	switch t := v.(type) {
	case crawler.Value:
		return parseIntValue(t)
	case string:
		return parseIntString(t)
	default:
		n, err := cast.ToFloat64E(v)
		if err != nil {
			return 0
		}
		return truncate(n)
	}
}

// ParseFloat coerces v into a float using the same cleanup as ParseInt but
// without suffix handling.
func ParseFloat(v any) float64 {
	switch t := v.(type) {
	case crawler.Value:
		return parseFloatValue(t)
	case string:
		return parseFloatString(t)
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return 0
		}
		return f
	}
}

// IntValue is ParseInt lifted to crawler.Value.
func IntValue(v crawler.Value) crawler.Value {
	return crawler.IntValue(parseIntValue(v))
}

// FloatValue is ParseFloat lifted to crawler.Value.
func FloatValue(v crawler.Value) crawler.Value {
	return crawler.FloatValue(parseFloatValue(v))
}

func parseIntValue(v crawler.Value) int64 {
	switch v.Kind() {
	case crawler.KindInt:
		return v.Int()
	case crawler.KindFloat:
		return truncate(v.Float())
	case crawler.KindString:
		return parseIntString(v.Str())
	default:
		return 0
	}
}

func parseFloatValue(v crawler.Value) float64 {
	switch v.Kind() {
	case crawler.KindFloat:
		return v.Float()
	case crawler.KindInt:
		return float64(v.Int())
	case crawler.KindString:
		return parseFloatString(v.Str())
	default:
		return 0
	}
}

func parseIntString(s string) int64 {
	s = normalize(s)
	if s == "" {
		return 0
	}
	mult := 1.0
	if m, ok := multipliers[s[len(s)-1]]; ok {
		mult = m
		s = s[:len(s)-1]
	}
	f, ok := parseFinite(s)
	if !ok {
		return 0
	}
	return truncate(f * mult)
}

// truncate drops the fraction of f. Values outside the int64 range, NaN and
// infinities become 0.
func truncate(f float64) int64 {
	const limit = 1 << 63
	if math.IsNaN(f) || f >= limit || f < -limit {
		return 0
	}
	return int64(f)
}

func parseFloatString(s string) float64 {
	f, _ := parseFinite(normalize(s))
	return f
}

func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// normalize lowercases, turns decimal commas into dots and drops every kind
// of whitespace, including non-breaking spaces.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ",", ".")
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
