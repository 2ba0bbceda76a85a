// Package snapshot saves each room's code buffer durably once edits to it have gone quiet.
// Live code changes are only ever broadcast; without this, the buffer is lost when the last
// member leaves unless a client saves it explicitly.
package snapshot

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/codehive/roomsync/internal"
	"github.com/codehive/roomsync/state"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const saveTimeout = 10 * time.Second

type CodeStore interface {
	SaveCode(ctx context.Context, roomID, code string) error
}

type pending struct {
	code     string
	identity string
}

// Snapshotter debounces code changes per room: every change resets the room's timer and the
// latest buffer is saved when the timer fires. It implements presence.CodeObserver.
type Snapshotter struct {
	store       CodeStore
	cache       *ttlcache.Cache[string, pending]
	unsubscribe func()

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(store CodeStore, debounce time.Duration) *Snapshotter {
	s := &Snapshotter{
		store: store,
		cache: ttlcache.New[string, pending](
			ttlcache.WithTTL[string, pending](debounce),
			ttlcache.WithDisableTouchOnHit[string, pending](),
		),
	}
	s.unsubscribe = s.cache.OnEviction(s.onEviction)
	return s
}

// Start runs the timers in the background.
func (s *Snapshotter) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.cache.Start()
}

// OnCodeChange records the latest buffer of the room. It never blocks on the store.
func (s *Snapshotter) OnCodeChange(roomID, identity, code string) {
	s.cache.Set(roomID, pending{code: code, identity: identity}, ttlcache.DefaultTTL)
}

// Pending returns the number of rooms with unsaved changes.
func (s *Snapshotter) Pending() int {
	return s.cache.Len()
}

// Stop saves every pending buffer immediately and waits for the saves to finish.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()
	if started {
		s.cache.Stop()
	}
	s.cache.DeleteAll()
	s.unsubscribe()
}

func (s *Snapshotter) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, pending]) {
	if reason != ttlcache.EvictionReasonExpired && reason != ttlcache.EvictionReasonDeleted {
		return
	}
	roomID := item.Key()
	p := item.Value()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	ctx, task := internal.StartTask(ctx, "snapshot.SaveCode")
	defer task.End()
	err := s.store.SaveCode(ctx, roomID, p.code)
	if errors.Is(err, state.ErrRoomNotFound) {
		// a room nobody created through the API, there is nowhere to save it
		logger.Debug().Str("room", roomID).Msg("not snapshotting code of unknown room")
		return
	}
	if err != nil {
		task.SetError(err)
		logger.Err(err).Str("room", roomID).Str("last_editor", p.identity).Msg("failed to snapshot code")
		internal.CaptureException(ctx, err)
		return
	}
	logger.Trace().Str("room", roomID).Str("last_editor", p.identity).Int("len", len(p.code)).Msg("snapshotted code")
}
