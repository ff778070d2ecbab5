package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"deckgen/internal/models"
	"deckgen/internal/store"
	"deckgen/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth is out of scope; the progress stream carries no secrets.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleProgress upgrades to a websocket, sends one snapshot synthesized from
// the deck's current state, then streams live bus events until the client
// disconnects. History beyond the snapshot comes from the event log, not the
// bus.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "id")

	deck, err := s.store.GetDeck(r.Context(), deckID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Subscribe before snapshotting so no event published in between is lost;
	// a duplicate of the snapshot state is possible and harmless.
	sub, err := s.bus.Subscribe(r.Context(), deckID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("deck_id", deckID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	telemetry.ProgressSubscribers.Inc()
	defer telemetry.ProgressSubscribers.Dec()

	snapshot := s.snapshot(r, deck)
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	// Reader goroutine: the only way gorilla surfaces a client disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case p, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		}
	}
}

// snapshot builds the initial event for a fresh subscriber from the deck's
// status plus the latest status event in the log.
func (s *Server) snapshot(r *http.Request, deck models.Deck) models.Progress {
	stage := deck.Status
	percent := 0
	if latest, ok, err := s.store.LatestStatusEvent(r.Context(), deck.ID); err == nil && ok {
		if latest.Stage != nil {
			stage = *latest.Stage
		}
		if latest.Percent != nil {
			percent = *latest.Percent
		}
	} else if err != nil {
		log.Warn().Err(err).Str("deck_id", deck.ID).Msg("latest status event lookup failed")
	}

	p := models.Progress{
		DeckID:  deck.ID,
		Stage:   stage,
		Percent: models.Pct(percent),
	}
	if len(deck.Files) > 0 {
		p.Files = deck.Files
		p.FileURLs = models.DownloadURLs(deck.ID, len(deck.Files))
	}
	return p
}
