// Package normalize cleans raw extracted records before persistence.
//
// Both Clean and ConvertMetrics are pure, never fail and are idempotent:
// re-scraped data is always reprocessed from scratch, so applying either
// function to its own output must not change it.
package normalize

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/coerce"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Fields forced through coerce.ParseInt by Clean.
var cleanIntFields = []string{"isbn", "age_rating"}

// Metric fields coerced by ConvertMetrics.
var (
	metricIntFields = []string{
		"views", "votes", "likes", "unlike", "comments",
		"pages_count", "characters_count", "chapters_count",
		"added_to_lib", "read_process", "read_later", "read_finished",
		"downloaded", "in_subscribe",
	}
	metricFloatFields = []string{
		"price", "price_old", "price_discount", "price_audio", "rating",
	}
	metricRankFields = []string{crawler.FieldSiteRank, crawler.FieldAwards}
)

// Clean drops values that count as "not scraped", trims strings and string
// lists and coerces the integer allow-list. Other kinds pass through.
func Clean(record crawler.Record) crawler.Record {
	out := make(crawler.Record, len(record))
	for key, val := range record {
		if slices.Contains(cleanIntFields, key) {
			val = coerce.IntValue(val)
		}
		val = cleanValue(val)
		if val.IsZero() {
			continue
		}
		out[key] = val
	}
	return out
}

func cleanValue(v crawler.Value) crawler.Value {
	switch v.Kind() {
	case crawler.KindString:
		return crawler.StringValue(cleanString(v.Str()))
	case crawler.KindList:
		items := make([]string, 0, len(v.List()))
		for _, item := range v.List() {
			if s := cleanString(item); s != "" {
				items = append(items, s)
			}
		}
		return crawler.ListValue(items...)
	case crawler.KindPeople:
		people := make([]crawler.PersonRef, 0, len(v.People()))
		for _, p := range v.People() {
			p.Name = cleanString(p.Name)
			p.URL = strings.TrimSpace(p.URL)
			if p.URL == "" {
				continue
			}
			people = append(people, p)
		}
		return crawler.PeopleValue(people...)
	default:
		return v
	}
}

func cleanString(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
}

// ConvertMetrics coerces the known counter, price and rank fields of a
// metrics record. Rank dictionaries are stored as a JSON-encoded list of
// [label, value] pairs ordered by label.
func ConvertMetrics(metrics crawler.Record) crawler.Record {
	out := metrics.Clone()
	for _, key := range metricIntFields {
		if v, ok := out[key]; ok {
			out[key] = coerce.IntValue(v)
		}
	}
	for _, key := range metricFloatFields {
		if v, ok := out[key]; ok {
			out[key] = coerce.FloatValue(v)
		}
	}
	for _, key := range metricRankFields {
		if v, ok := out[key]; ok && v.Kind() == crawler.KindLabels {
			out[key] = crawler.StringValue(encodeRanks(v.Labels()))
		}
	}
	return out
}

func encodeRanks(labels map[string]string) string {
	pairs := make([][2]any, 0, len(labels))
	for _, label := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, [2]any{label, coerce.ParseInt(labels[label])})
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return "[]"
	}
	return string(data)
}
