package models

import (
	"fmt"
	"time"
)

// DeckStatus enumerates lifecycle states persisted in the store.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ActiveStatuses are the states shown on operator dashboards.
var ActiveStatuses = []string{StatusPending, StatusProcessing, StatusFailed}

// Deck represents one slide-deck generation request and its lifecycle state.
type Deck struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Language   string    `json:"language"`
	Slides     int       `json:"slides"`
	Grade      int       `json:"grade"`
	Subject    string    `json:"subject"`
	Author     *string   `json:"author,omitempty"`
	BookID     *int      `json:"book_id,omitempty"`
	Template   *int      `json:"template,omitempty"`
	Status     string    `json:"status"`
	Files      []string  `json:"files"`
	RetryCount int       `json:"retry_count"`
	DedupeKey  *string   `json:"dedupe_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal reports whether the deck reached a sticky terminal state.
func (d Deck) Terminal() bool {
	return d.Status == StatusDone || d.Status == StatusFailed
}

// DownloadURL is the canonical download path for one artifact by position.
// It is part of the wire payload (file_urls), so it lives with the models.
func DownloadURL(deckID string, index int) string {
	return fmt.Sprintf("/decks/%s/files/%d/download", deckID, index)
}

// DownloadURLs returns a url per artifact position.
func DownloadURLs(deckID string, count int) []string {
	if count == 0 {
		return nil
	}
	urls := make([]string, count)
	for i := range urls {
		urls[i] = DownloadURL(deckID, i)
	}
	return urls
}
