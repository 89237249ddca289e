package events

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	alicePubKey = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
	bobPubKey   = "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	return openTestStore(t, path, StoreConfig{Logger: zap.NewNop()}), path
}

func openTestStore(t *testing.T, path string, cfg StoreConfig) *Store {
	t.Helper()
	store, err := NewStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Init(path))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func makeEvent(n int, pubkey string, kind int, createdAt int64, tags nostr.Tags, content string) *nostr.Event {
	if tags == nil {
		tags = nostr.Tags{}
	}
	return &nostr.Event{
		ID:        fmt.Sprintf("%064x", n),
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

func ingestOne(t *testing.T, store *Store, ev *nostr.Event) Outcome {
	t.Helper()
	outcomes, err := store.ingest(context.Background(), []*nostr.Event{ev})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	return outcomes[0]
}

func queryIDs(t *testing.T, store *Store, filter nostr.Filter) []string {
	t.Helper()
	result, err := store.Query(context.Background(), filter)
	require.NoError(t, err)
	ids := make([]string, 0, len(result))
	for _, ev := range result {
		ids = append(ids, ev.ID)
	}
	sort.Strings(ids)
	return ids
}

func timestamp(value int64) *nostr.Timestamp {
	ts := nostr.Timestamp(value)
	return &ts
}

// testingContext stands in for t.Context (Go 1.24+): it is cancelled when the test finishes.
func testingContext(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
