// Package profiles keeps an in-memory fuzzy index of the newest profile
// metadata per author.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/MarcoPoloResearchLab/relaycache/internal/events"
	"github.com/MarcoPoloResearchLab/relaycache/internal/kinds"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultLimit caps search results when the caller passes none.
	DefaultLimit = 10

	loadStatement = "select json from events where kind = ?"
	// nip05Weight multiplies nip05 distances so they rank below name matches.
	nip05Weight = 2
)

// Source is the raw SQL capability needed to bootstrap an index.
type Source interface {
	SQL(ctx context.Context, raw string, params ...any) ([][]any, error)
}

// Profile is the indexed subset of a kind 0 event.
type Profile struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
}

// Match is a ranked search hit. Lower scores are closer.
type Match struct {
	Profile
	Score int `json:"score"`
}

type entry struct {
	profile Profile
	folded  [3]string
}

// Index is safe for concurrent use.
type Index struct {
	mu         sync.RWMutex
	entries    map[string]entry
	timestamps map[string]nostr.Timestamp
	logger     *zap.Logger
}

func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		entries:    make(map[string]entry),
		timestamps: make(map[string]nostr.Timestamp),
		logger:     logger,
	}
}

// Add indexes a profile event unless a newer one from the same author is
// already known. It reports whether the author's entry is now searchable.
func (i *Index) Add(ev *nostr.Event) bool {
	if ev == nil || ev.Kind != kinds.ProfileMetadata || ev.PubKey == "" {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if existing, ok := i.timestamps[ev.PubKey]; ok && existing > ev.CreatedAt {
		return false
	}
	delete(i.entries, ev.PubKey)
	i.timestamps[ev.PubKey] = ev.CreatedAt

	var fields map[string]any
	if err := json.Unmarshal([]byte(ev.Content), &fields); err != nil {
		i.logger.Warn("profile content not indexed", zap.String("event_id", ev.ID), zap.Error(err))
		return false
	}
	profile := Profile{
		PubKey:      ev.PubKey,
		Name:        stringField(fields, "name"),
		DisplayName: stringField(fields, "display_name"),
		NIP05:       stringField(fields, "nip05"),
	}
	if profile.Name == "" && profile.DisplayName == "" && profile.NIP05 == "" {
		return false
	}
	i.entries[ev.PubKey] = entry{
		profile: profile,
		folded:  [3]string{fold(profile.Name), fold(profile.DisplayName), fold(profile.NIP05)},
	}
	return true
}

// Len returns the number of searchable profiles.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Search ranks profiles whose name, display name or nip05 fuzzily contains
// query, closest first.
func (i *Index) Search(query string, limit int) []Match {
	needle := fold(strings.TrimSpace(query))
	if needle == "" {
		return []Match{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	i.mu.RLock()
	matches := make([]Match, 0)
	for _, candidate := range i.entries {
		if score, ok := rank(needle, candidate.folded); ok {
			matches = append(matches, Match{Profile: candidate.profile, Score: score})
		}
	}
	i.mu.RUnlock()

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score < matches[b].Score
		}
		return matches[a].PubKey < matches[b].PubKey
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Load indexes every stored profile event.
func (i *Index) Load(ctx context.Context, source Source) error {
	if source == nil {
		return errors.New("profiles: source is required")
	}
	rows, err := source.SQL(ctx, loadStatement, kinds.ProfileMetadata)
	if err != nil {
		return fmt.Errorf("profiles: load: %w", err)
	}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		payload, ok := row[0].(string)
		if !ok {
			continue
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			i.logger.Warn("stored profile not decodable", zap.Error(err))
			continue
		}
		i.Add(&ev)
	}
	i.logger.Info("profile index loaded", zap.Int("profiles", i.Len()))
	return nil
}

// Follow indexes profiles from store notifications until ctx ends or the
// stream closes.
func (i *Index) Follow(ctx context.Context, stream <-chan events.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-stream:
			if !ok {
				return
			}
			for _, ev := range notification.Events {
				i.Add(ev)
			}
		}
	}
}

// stringField returns fields[key] when it holds a string. Other types are
// ignored so one malformed attribute does not drop the rest of the profile.
func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return value
}

func rank(needle string, fields [3]string) (int, bool) {
	best, found := 0, false
	for index, field := range fields {
		if field == "" {
			continue
		}
		distance := fuzzy.RankMatch(needle, field)
		if distance < 0 {
			continue
		}
		if index == 2 {
			distance *= nip05Weight
		}
		if !found || distance < best {
			best, found = distance, true
		}
	}
	return best, found
}

// fold lowercases and strips combining marks so "Zoë" matches "zoe".
func fold(value string) string {
	if value == "" {
		return ""
	}
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, value)
	if err != nil {
		folded = value
	}
	return strings.ToLower(folded)
}
