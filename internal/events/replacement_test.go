package events

import (
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegularEventInsertIsIdempotent(t *testing.T) {
	store, path := newTestStore(t)
	note := makeEvent(1, alicePubKey, 1, 100, nil, "hello")

	assert.Equal(t, AcceptedNew, ingestOne(t, store, note))
	assert.Equal(t, RejectedSeen, ingestOne(t, store, note))
	assert.Equal(t, []string{note.ID}, queryIDs(t, store, nostr.Filter{}))

	require.NoError(t, store.Close())
	fresh := openTestStore(t, path, StoreConfig{Logger: zap.NewNop()})
	assert.Equal(t, RejectedDuplicate, ingestOne(t, fresh, note))
	assert.Equal(t, []string{note.ID}, queryIDs(t, fresh, nostr.Filter{}))
}

func TestEvictedSeenIDFallsBackToTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store := openTestStore(t, path, StoreConfig{SeenCacheSize: 1})
	first := makeEvent(1, alicePubKey, 1, 100, nil, "one")
	second := makeEvent(2, alicePubKey, 1, 101, nil, "two")

	assert.Equal(t, AcceptedNew, ingestOne(t, store, first))
	assert.Equal(t, AcceptedNew, ingestOne(t, store, second))
	assert.Equal(t, RejectedDuplicate, ingestOne(t, store, first))
}

func TestRegularKindsAreNeverReplaced(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Equal(t, AcceptedNew, ingestOne(t, store, makeEvent(1, alicePubKey, 1, 100, nil, "first")))
	assert.Equal(t, AcceptedNew, ingestOne(t, store, makeEvent(2, alicePubKey, 1, 200, nil, "second")))
	assert.Equal(t, AcceptedNew, ingestOne(t, store, makeEvent(3, alicePubKey, 7, 50, nil, "+")))
	assert.Len(t, queryIDs(t, store, nostr.Filter{Authors: []string{alicePubKey}}), 3)
}

func TestLegacyReplaceableOlderAfterNewerIsStale(t *testing.T) {
	store, _ := newTestStore(t)
	newer := makeEvent(2, alicePubKey, 0, 200, nil, `{"name":"new"}`)
	older := makeEvent(1, alicePubKey, 0, 100, nil, `{"name":"old"}`)

	assert.Equal(t, AcceptedNew, ingestOne(t, store, newer))
	assert.Equal(t, RejectedStale, ingestOne(t, store, older))
	assert.Equal(t, []string{newer.ID}, queryIDs(t, store, nostr.Filter{Kinds: []int{0}, Authors: []string{alicePubKey}}))
}

func TestLegacyReplaceableEqualTimestampKeepsFirst(t *testing.T) {
	store, _ := newTestStore(t)
	first := makeEvent(1, alicePubKey, 3, 100, nil, "")
	second := makeEvent(2, alicePubKey, 3, 100, nil, "")

	assert.Equal(t, AcceptedNew, ingestOne(t, store, first))
	assert.Equal(t, RejectedStale, ingestOne(t, store, second))
	assert.Equal(t, []string{first.ID}, queryIDs(t, store, nostr.Filter{Kinds: []int{3}}))
}

func TestLegacyReplaceableNewerAfterOlderConvergesOnConflict(t *testing.T) {
	store, _ := newTestStore(t)
	older := makeEvent(1, alicePubKey, 10002, 100, nil, "")
	newer := makeEvent(2, alicePubKey, 10002, 200, nil, "")
	between := makeEvent(3, alicePubKey, 10002, 150, nil, "")

	assert.Equal(t, AcceptedNew, ingestOne(t, store, older))
	assert.Equal(t, AcceptedReplacing, ingestOne(t, store, newer))
	assert.ElementsMatch(t, []string{older.ID, newer.ID}, queryIDs(t, store, nostr.Filter{Kinds: []int{10002}}))

	assert.Equal(t, RejectedStale, ingestOne(t, store, between))
	assert.Equal(t, []string{newer.ID}, queryIDs(t, store, nostr.Filter{Kinds: []int{10002}}))
}

func TestLegacyReplaceableConvergesInFreshSession(t *testing.T) {
	store, path := newTestStore(t)
	older := makeEvent(1, alicePubKey, 0, 100, nil, `{"name":"old"}`)
	newer := makeEvent(2, alicePubKey, 0, 200, nil, `{"name":"new"}`)
	assert.Equal(t, AcceptedNew, ingestOne(t, store, older))
	assert.Equal(t, AcceptedReplacing, ingestOne(t, store, newer))
	require.NoError(t, store.Close())

	fresh := openTestStore(t, path, StoreConfig{})
	assert.Equal(t, RejectedStale, ingestOne(t, fresh, older))
	assert.Equal(t, []string{newer.ID}, queryIDs(t, fresh, nostr.Filter{Kinds: []int{0}}))
}

func TestReplaceableIdentitiesAreScopedByAuthor(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Equal(t, AcceptedNew, ingestOne(t, store, makeEvent(1, alicePubKey, 0, 200, nil, `{"name":"alice"}`)))
	assert.Equal(t, AcceptedNew, ingestOne(t, store, makeEvent(2, bobPubKey, 0, 100, nil, `{"name":"bob"}`)))
	assert.Len(t, queryIDs(t, store, nostr.Filter{Kinds: []int{0}}), 2)
}

func TestParameterizedReplacementUsesDTag(t *testing.T) {
	store, _ := newTestStore(t)
	first := makeEvent(1, alicePubKey, 30023, 100, nostr.Tags{{"d", "post"}}, "v1")
	second := makeEvent(2, alicePubKey, 30023, 200, nostr.Tags{{"d", "post"}}, "v2")
	other := makeEvent(3, alicePubKey, 30023, 50, nostr.Tags{{"d", "other"}}, "x")
	stale := makeEvent(4, alicePubKey, 30023, 150, nostr.Tags{{"d", "post"}}, "v1.5")

	assert.Equal(t, AcceptedNew, ingestOne(t, store, first))
	assert.Equal(t, AcceptedReplacing, ingestOne(t, store, second))
	assert.Equal(t, AcceptedNew, ingestOne(t, store, other))
	assert.Equal(t, RejectedStale, ingestOne(t, store, stale))

	assert.ElementsMatch(t, []string{second.ID, other.ID}, queryIDs(t, store, nostr.Filter{Kinds: []int{30023}}))
}

func TestParameterizedWithoutDTagUsesEmptyIdentifier(t *testing.T) {
	store, _ := newTestStore(t)
	missing := makeEvent(1, alicePubKey, 30000, 100, nil, "")
	valueless := makeEvent(2, alicePubKey, 30000, 200, nostr.Tags{{"d"}}, "")
	explicit := makeEvent(3, alicePubKey, 30000, 300, nostr.Tags{{"d", ""}}, "")
	older := makeEvent(4, alicePubKey, 30000, 250, nil, "")

	assert.Equal(t, AcceptedNew, ingestOne(t, store, missing))
	assert.Equal(t, AcceptedReplacing, ingestOne(t, store, valueless))
	assert.Equal(t, AcceptedReplacing, ingestOne(t, store, explicit))
	assert.Equal(t, RejectedStale, ingestOne(t, store, older))
	assert.Equal(t, []string{explicit.ID}, queryIDs(t, store, nostr.Filter{Kinds: []int{30000}}))
}

func TestTagIndexOnlyHoldsSingleLetterKeysWithValues(t *testing.T) {
	store, _ := newTestStore(t)
	ev := makeEvent(1, alicePubKey, 1, 100, nostr.Tags{
		{"e", "event-ref"},
		{"p", bobPubKey, "wss://relay"},
		{"emoji", "smile"},
		{"t"},
	}, "tagged")
	assert.Equal(t, AcceptedNew, ingestOne(t, store, ev))

	rows, err := store.SQL(testingContext(t), `SELECT key, value FROM tags WHERE event_id = ? ORDER BY key`, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"e", "event-ref"}, {"p", bobPubKey}}, rows)

	assert.Equal(t, []string{ev.ID}, queryIDs(t, store, nostr.Filter{Tags: nostr.TagMap{"p": {bobPubKey}}}))
	assert.Empty(t, queryIDs(t, store, nostr.Filter{Tags: nostr.TagMap{"emoji": {"smile"}}}))
}

func TestMalformedProfileIsStoredButNotIndexed(t *testing.T) {
	store, _ := newTestStore(t)
	profile := makeEvent(1, alicePubKey, 0, 100, nil, "not json")
	assert.Equal(t, AcceptedNew, ingestOne(t, store, profile))

	assert.Equal(t, []string{profile.ID}, queryIDs(t, store, nostr.Filter{Kinds: []int{0}}))
	rows, err := store.SQL(testingContext(t), `SELECT COUNT(*) FROM search_content`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(0)}}, rows)
}
