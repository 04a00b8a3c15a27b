// Package cache provides the predictive caches used by the turn pipeline:
// a short-lived text cache keyed by speaker slot and an LRU audio-blob cache
// keyed by (text, voice).
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CareCircle/internal/models"
)

// TextCache maps a speaker slot index to the most recently generated text for
// that slot. It is cleared in full on any user turn; individual entries are
// invalidated when the scheduler's chosen next speaker changes mid-flight.
type TextCache struct {
	mu      sync.Mutex
	entries map[int]models.PreGeneratedTurn
}

// NewTextCache creates an empty text cache.
func NewTextCache() *TextCache {
	return &TextCache{entries: make(map[int]models.PreGeneratedTurn)}
}

// Put stores the pre-generated text for a speaker slot.
func (c *TextCache) Put(speakerIndex int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[speakerIndex] = models.PreGeneratedTurn{
		SpeakerIndex: speakerIndex,
		Text:         text,
		ProducedAt:   time.Now(),
	}
	slog.Debug("TextCache.Put: cached pre-generated turn", "speaker_index", speakerIndex, "text_len", len(text))
}

// Take returns and removes the entry for a speaker slot, if present.
// The index-match check against the scheduler's chosen next speaker is the
// caller's staleness guard.
func (c *TextCache) Take(speakerIndex int) (models.PreGeneratedTurn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[speakerIndex]
	if ok {
		delete(c.entries, speakerIndex)
	}
	return entry, ok
}

// Replace drops every existing entry and stores a single new one, keeping at
// most one live pre-generated turn at a time.
func (c *TextCache) Replace(speakerIndex int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[int]models.PreGeneratedTurn{
		speakerIndex: {
			SpeakerIndex: speakerIndex,
			Text:         text,
			ProducedAt:   time.Now(),
		},
	}
	slog.Debug("TextCache.Replace: cached pre-generated turn", "speaker_index", speakerIndex, "text_len", len(text))
}

// Invalidate removes the entry for a single speaker slot.
func (c *TextCache) Invalidate(speakerIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[speakerIndex]; ok {
		delete(c.entries, speakerIndex)
		slog.Debug("TextCache.Invalidate: dropped stale pre-generated turn", "speaker_index", speakerIndex)
	}
}

// Clear removes every entry. Called whenever the human speaks, because any
// pre-computed response predates the user's new contribution.
func (c *TextCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 0 {
		slog.Debug("TextCache.Clear: clearing predictive text cache", "entries", len(c.entries))
	}
	c.entries = make(map[int]models.PreGeneratedTurn)
}

// Len reports the number of live entries.
func (c *TextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
