package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relaycache/internal/events"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileEvent(pubkey string, createdAt int64, content string) *nostr.Event {
	return &nostr.Event{
		ID:        pubkey + "-" + time.Unix(createdAt, 0).UTC().Format("150405"),
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      0,
		Tags:      nostr.Tags{},
		Content:   content,
	}
}

func TestIndexKeepsNewestProfilePerAuthor(t *testing.T) {
	index := NewIndex(nil)
	assert.True(t, index.Add(profileEvent("pk1", 200, `{"name":"alice"}`)))
	assert.False(t, index.Add(profileEvent("pk1", 100, `{"name":"old alice"}`)))
	assert.True(t, index.Add(profileEvent("pk1", 300, `{"name":"alicia"}`)))

	matches := index.Search("alic", 10)
	require.Len(t, matches, 1)
	assert.Equal(t, "alicia", matches[0].Name)
	assert.Equal(t, 1, index.Len())
}

func TestIndexRequiresAnIndexedField(t *testing.T) {
	index := NewIndex(nil)
	assert.False(t, index.Add(profileEvent("pk1", 100, `{"about":"no names"}`)))
	assert.False(t, index.Add(profileEvent("pk2", 100, `not json`)))
	assert.False(t, index.Add(&nostr.Event{PubKey: "pk3", Kind: 1, Content: `{"name":"note"}`}))
	assert.Zero(t, index.Len())

	assert.True(t, index.Add(profileEvent("pk1", 200, `{"name":"bob"}`)))
	assert.False(t, index.Add(profileEvent("pk1", 300, `{"about":"cleared"}`)))
	assert.Zero(t, index.Len())
}

func TestIndexSkipsNonStringFields(t *testing.T) {
	index := NewIndex(nil)
	assert.True(t, index.Add(profileEvent("pk1", 100, `{"name":123,"display_name":"Carol","nip05":null}`)))

	matches := index.Search("carol", 10)
	require.Len(t, matches, 1)
	assert.Empty(t, matches[0].Name)
	assert.Equal(t, "Carol", matches[0].DisplayName)
	assert.Empty(t, matches[0].NIP05)
}

func TestSearchFoldsAccentsAndRanksNIP05Lower(t *testing.T) {
	index := NewIndex(nil)
	index.Add(profileEvent("pk-name", 100, `{"name":"Zoë"}`))
	index.Add(profileEvent("pk-nip05", 100, `{"display_name":"someone","nip05":"zoe@example.com"}`))
	index.Add(profileEvent("pk-other", 100, `{"name":"carol"}`))

	matches := index.Search("ZOE", 0)
	require.Len(t, matches, 2)
	assert.Equal(t, "pk-name", matches[0].PubKey)
	assert.Equal(t, "pk-nip05", matches[1].PubKey)
	assert.Less(t, matches[0].Score, matches[1].Score)

	assert.Len(t, index.Search("zoe", 1), 1)
	assert.Empty(t, index.Search("   ", 5))
}

type fakeSource struct {
	rows [][]any
	err  error
}

func (f fakeSource) SQL(ctx context.Context, raw string, params ...any) ([][]any, error) {
	return f.rows, f.err
}

func TestLoadIndexesStoredProfiles(t *testing.T) {
	payload, err := json.Marshal(profileEvent("pk1", 100, `{"name":"dave"}`))
	require.NoError(t, err)

	index := NewIndex(nil)
	require.NoError(t, index.Load(testingContext(t), fakeSource{rows: [][]any{{string(payload)}, {"garbage"}, {42}}}))
	assert.Equal(t, 1, index.Len())

	require.Error(t, index.Load(testingContext(t), fakeSource{err: errors.New("boom")}))
	require.Error(t, index.Load(testingContext(t), nil))
}

func TestFollowIndexesNotifications(t *testing.T) {
	index := NewIndex(nil)
	stream := make(chan events.Notification, 1)
	done := make(chan struct{})
	go func() {
		index.Follow(testingContext(t), stream)
		close(done)
	}()

	stream <- events.Notification{
		Type:   events.NotificationEvent,
		Events: []*nostr.Event{profileEvent("pk1", 100, `{"name":"erin"}`)},
	}
	close(stream)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follow did not stop when the stream closed")
	}
	assert.Len(t, index.Search("erin", 5), 1)
}

func TestLoadFromStore(t *testing.T) {
	store, err := events.NewStore(events.StoreConfig{})
	require.NoError(t, err)
	require.NoError(t, store.Init(t.TempDir()+"/profiles.db"))
	defer store.Close()

	_, err = store.EventBatch(context.Background(), []*nostr.Event{
		profileEvent("pk1", 100, `{"name":"frank"}`),
		profileEvent("pk2", 100, `{"display_name":"grace"}`),
	})
	require.NoError(t, err)

	index := NewIndex(nil)
	require.NoError(t, index.Load(context.Background(), store))
	assert.Equal(t, 2, index.Len())
	assert.Len(t, index.Search("grace", 5), 1)
}

// testingContext stands in for t.Context (Go 1.24+): it is cancelled when the test finishes.
func testingContext(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
