package models

import (
	"time"
)

// Event kinds recorded in the per-deck log.
const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventError    = "error"
)

// Event is one durable, append-only record of a status change or progress
// update for a deck. Events are never mutated after insertion; ordering is
// created_at with the row id as tiebreak.
type Event struct {
	ID        int64     `json:"id"`
	DeckID    string    `json:"deck_id"`
	Kind      string    `json:"kind"`
	Stage     *string   `json:"stage,omitempty"`
	Percent   *int      `json:"percent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   Progress  `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Progress is the payload shape shared by the event log and the progress bus.
// The fields are a closed set; producers that need more context must extend
// this struct rather than smuggle keys through a map.
type Progress struct {
	DeckID     string   `json:"deck_id,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Step       int      `json:"step,omitempty"`
	TotalSteps int      `json:"total_steps,omitempty"`
	Percent    *int     `json:"percent,omitempty"`
	Message    string   `json:"message,omitempty"`
	Files      []string `json:"files,omitempty"`
	FileURLs   []string `json:"file_urls,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Pct is a convenience for building Progress literals.
func Pct(v int) *int { return &v }
