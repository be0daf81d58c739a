package models

import (
	"strconv"
	"strings"
	"time"
)

// Well-known event names written by ingestion.
const (
	EventSessionStart = "session_start"
	EventPageView     = "page_view"
	EventInteraction  = "interaction"
	EventConversion   = "conversion"
)

// Properties is an opaque caller-defined payload. Values are scalars or
// nested maps/slices as decoded from JSON.
type Properties map[string]any

// Float returns a numeric property, or 0 when it is missing or not numeric.
func (p Properties) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// Event is an append-only fact used for funnels and behavioural aggregates.
type Event struct {
	EventID    string     `json:"event_id"`
	SessionID  string     `json:"session_id"`
	VisitorID  string     `json:"visitor_id"`
	EventName  string     `json:"event_name"`
	PageURL    string     `json:"page_url,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// PageCount is a page URL with its view count.
type PageCount struct {
	PageURL string `json:"page_url"`
	Views   int64  `json:"views"`
}

// MatchEventPattern reports whether an event name matches a step pattern.
// Patterns are exact names or globs where * matches any run of characters and
// ? matches exactly one. Every other character, including / and [, is literal,
// so the result agrees with the LIKE pattern from PatternToLike.
func MatchEventPattern(pattern, name string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == name
	}
	p, n := []rune(pattern), []rune(name)
	pi, ni := 0, 0
	star, mark := -1, 0
	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]) && p[pi] != '*':
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, ni
			pi++
		case star >= 0:
			// let the last * swallow one more character
			mark++
			pi, ni = star+1, mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// PatternToLike converts a glob step pattern to a SQL LIKE pattern using
// backslash as the escape character. LIKE metacharacters in the pattern are
// escaped so they match literally, as they do in MatchEventPattern.
func PatternToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteRune('%')
		case '?':
			b.WriteRune('_')
		case '%', '_', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
