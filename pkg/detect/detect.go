// Package detect packages the NLP detectors — emotion, entities, intent —
// as cascades of a cheap rule level and an optional model level.
package detect

import (
	"context"
	"strings"
	"unicode"
)

// Entity is a typed span extracted from text.
type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// Entity types produced by both extractor levels.
const (
	EntityPerson       = "person"
	EntityLocation     = "location"
	EntityOrganization = "organization"
	EntityDate         = "date"
	EntityConcept      = "concept"
)

// EntityExtractor is the single entity-extraction contract everything in
// the engine consumes.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// EmotionResult is the normalized output of the emotion detector.
type EmotionResult struct {
	Type       string  `json:"type"`
	Intensity  float64 `json:"intensity"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Emotion types.
const (
	EmotionPositive = "positive"
	EmotionNegative = "negative"
	EmotionNeutral  = "neutral"
)

// Intent is one of the closed user-intent kinds.
type Intent string

const (
	IntentSearch   Intent = "search"
	IntentChat     Intent = "chat"
	IntentMemorize Intent = "memorize"
	IntentRecall   Intent = "recall"
	IntentAnalyze  Intent = "analyze"
	IntentUnknown  Intent = "unknown"
)

// IntentResult carries the detected intent and its filled slots.
type IntentResult struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// dedupeEntities merges entities by (lowercased text, type), keeping first
// occurrence order.
func dedupeEntities(entities []Entity) []Entity {
	seen := make(map[string]bool, len(entities))
	out := entities[:0]
	for _, e := range entities {
		key := strings.ToLower(e.Text) + "\x00" + e.Type
		if e.Text == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// runeLen counts characters, not bytes; the confidence schedules are
// written in characters.
func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}
