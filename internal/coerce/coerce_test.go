package coerce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestParseInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want int64
	}{
		{name: "thousands suffix", in: "12k", want: 12_000},
		{name: "millions decimal comma", in: "1,5m", want: 1_500_000},
		{name: "garbage", in: "abc", want: 0},
		{name: "empty", in: "", want: 0},
		{name: "grouped with spaces", in: "1 234 567", want: 1_234_567},
		{name: "non-breaking spaces", in: "3\u00a0400", want: 3400},
		{name: "narrow non-breaking spaces", in: "3\u202f400", want: 3400},
		{name: "upper suffix", in: "2.5K", want: 2500},
		{name: "fraction truncates", in: "12.9", want: 12},
		{name: "negative", in: "-7", want: -7},
		{name: "suffix only", in: "k", want: 0},
		{name: "nan rejected", in: "nan", want: 0},
		{name: "int passthrough", in: 42, want: 42},
		{name: "float truncates", in: 3.99, want: 3},
		{name: "nil", in: nil, want: 0},
		{name: "value string", in: crawler.StringValue("1,2k"), want: 1200},
		{name: "value int", in: crawler.IntValue(9), want: 9},
		{name: "value float", in: crawler.FloatValue(9.7), want: 9},
		{name: "value list", in: crawler.ListValue("1"), want: 0},
		{name: "overflowing digits", in: "99999999999999999999", want: 0},
		{name: "overflowing exponent", in: "1e20", want: 0},
		{name: "overflowing after suffix", in: "1e300m", want: 0},
		{name: "negative overflow", in: "-1e20", want: 0},
		{name: "float passthrough overflow", in: 1e20, want: 0},
		{name: "value float overflow", in: crawler.FloatValue(-1e19), want: 0},
		{name: "largest in range", in: "9e18", want: 9_000_000_000_000_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseInt(tt.in))
		})
	}
}

func TestParseFloat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want float64
	}{
		{name: "decimal comma", in: "3,14", want: 3.14},
		{name: "spaces", in: " 1 299,50 ", want: 1299.5},
		{name: "no suffix handling", in: "12k", want: 0},
		{name: "garbage", in: "n/a", want: 0},
		{name: "int passthrough", in: 7, want: 7},
		{name: "value int", in: crawler.IntValue(5), want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, ParseFloat(tt.in), 1e-9)
		})
	}
}

func TestLiftedValuesAreStable(t *testing.T) {
	t.Parallel()

	once := IntValue(crawler.StringValue("12k"))
	assert.Equal(t, once, IntValue(once))

	f := FloatValue(crawler.StringValue("4,5"))
	assert.Equal(t, f, FloatValue(f))
}

func FuzzParseIntNeverPanics(f *testing.F) {
	for _, seed := range []string{"12k", "1,5m", "abc", "", " ", "1e308m"} {
		f.Add(seed)
	}
	f.Fuzz(func(_ *testing.T, s string) {
		_ = ParseInt(s)
		_ = ParseFloat(s)
	})
}
