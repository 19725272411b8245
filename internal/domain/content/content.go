// Package content models generated and curated educational material.
package content

import (
	"strings"
	"time"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

// Difficulty levels.
const (
	Beginner     = "beginner"
	Intermediate = "intermediate"
	Advanced     = "advanced"
)

// Categories.
const (
	CategoryBasics    = "basics"
	CategoryAnalysis  = "analysis"
	CategoryStrategy  = "strategy"
	CategoryRisk      = "risk"
	CategoryTechnical = "technical"
	CategoryGenerated = "generated"
)

// DefaultDurationSeconds is the target length of a short video script.
const DefaultDurationSeconds = 15

// Content is one educational item, usually a short video script.
type Content struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Script      string    `json:"script"`
	KeyPoints   []string  `json:"key_points"`
	Takeaway    string    `json:"takeaway"`
	Topic       string    `json:"topic"`
	Category    string    `json:"category"`
	Difficulty  string    `json:"difficulty"`
	Duration    int       `json:"duration"`
	WordCount   int       `json:"word_count"`
	IsPremium   bool      `json:"is_premium"`
	ViewCount   int       `json:"view_count"`
	Model       string    `json:"model,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Request asks for generated content.
type Request struct {
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
	Duration   int    `json:"duration"`
}

// Normalize lower-cases the difficulty and applies defaults.
func (r Request) Normalize() Request {
	r.Topic = strings.TrimSpace(r.Topic)
	r.Difficulty = strings.ToLower(strings.TrimSpace(r.Difficulty))
	if r.Difficulty == "" {
		r.Difficulty = Beginner
	}
	if r.Duration <= 0 {
		r.Duration = DefaultDurationSeconds
	}
	return r
}

// Validate rejects a request before any completion call.
func (r Request) Validate() error {
	if r.Topic == "" {
		return svcerrors.Validation("topic", "Topic is required.")
	}
	if len(r.Topic) > 200 {
		return svcerrors.Validation("topic", "Topic is too long.")
	}
	if !ValidDifficulty(r.Difficulty) {
		return svcerrors.Validation("difficulty", "Difficulty must be beginner, intermediate or advanced.")
	}
	if r.Duration > 600 {
		return svcerrors.Validation("duration", "Duration must be at most 600 seconds.")
	}
	return nil
}

// ValidDifficulty reports whether d is a known level.
func ValidDifficulty(d string) bool {
	switch d {
	case Beginner, Intermediate, Advanced:
		return true
	}
	return false
}

// WordCount counts space separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
