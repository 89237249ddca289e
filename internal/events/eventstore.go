package events

import (
	"context"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

var _ eventstore.Store = (*RelayStore)(nil)

// RelayStore mounts a Store wherever an eventstore.Store is expected.
// Duplicate and stale saves report eventstore.ErrDupEvent.
type RelayStore struct {
	store *Store
	path  string
}

// NewRelayStore binds store to the database at path; Init opens it.
func NewRelayStore(store *Store, path string) *RelayStore {
	return &RelayStore{store: store, path: path}
}

func (r *RelayStore) Init() error {
	return r.store.Init(r.path)
}

func (r *RelayStore) Close() {
	_ = r.store.Close()
}

func (r *RelayStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	result, err := r.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	stream := make(chan *nostr.Event)
	go func() {
		defer close(stream)
		for _, ev := range result {
			select {
			case stream <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

func (r *RelayStore) SaveEvent(ctx context.Context, ev *nostr.Event) error {
	outcomes, err := r.store.ingest(ctx, []*nostr.Event{ev})
	if err != nil {
		return err
	}
	if !outcomes[0].Accepted() {
		return eventstore.ErrDupEvent
	}
	return nil
}

// ReplaceEvent stores ev when it is newer than its identity's survivor.
// Older or already stored events are dropped without error.
func (r *RelayStore) ReplaceEvent(ctx context.Context, ev *nostr.Event) error {
	_, err := r.store.ingest(ctx, []*nostr.Event{ev})
	return err
}

func (r *RelayStore) DeleteEvent(ctx context.Context, ev *nostr.Event) error {
	_, err := r.store.Delete(ctx, ev.ID)
	return err
}

func (r *RelayStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	return r.store.CountEvents(ctx, filter)
}
