package presence

import (
	"context"
	"sync"
	"time"

	"github.com/codehive/roomsync/internal"
	"golang.org/x/exp/maps"
)

type Config struct {
	Gateway PersistenceGateway
	// Identities defaults to trusting the identity the client registers as.
	Identities IdentityProvider
	// Code is optional.
	Code           CodeObserver
	AuthorizeJoins bool

	PersistWorkers int
	// PersistBacklog is the number of writes that may wait for a worker. Defaults to
	// DefaultBacklogPerWorker per worker.
	PersistBacklog        int
	PersistRetries        int
	PersistRetryInterval  time.Duration
	PersistAttemptTimeout time.Duration
	PersistDrainTimeout   time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

// Lifecycle owns the presence tables and ties them to connection open and close. It holds no
// durable state: Stop, or a process restart, voids every session, and clients must reconnect,
// re-register and rejoin their rooms.
type Lifecycle struct {
	Registry   *Registry
	Router     *Router
	Persister  *Persister
	Dispatcher *Dispatcher

	metrics  *Metrics
	mu       *sync.Mutex
	sessions map[string]*Session
	stopped  bool
}

func NewLifecycle(cfg Config) *Lifecycle {
	if cfg.Identities == nil {
		cfg.Identities = claimedIdentity{}
	}
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = 8
	}
	l := &Lifecycle{
		Registry:  NewRegistry(),
		Router:    NewRouter(),
		Persister: newPersister(cfg.Gateway, cfg.PersistWorkers, cfg.PersistBacklog, cfg.PersistRetries),
		metrics:   cfg.Metrics,
		mu:        &sync.Mutex{},
		sessions:  make(map[string]*Session),
	}
	if cfg.PersistRetryInterval > 0 {
		l.Persister.RetryInterval = cfg.PersistRetryInterval
	}
	if cfg.PersistAttemptTimeout > 0 {
		l.Persister.AttemptTimeout = cfg.PersistAttemptTimeout
	}
	if cfg.PersistDrainTimeout > 0 {
		l.Persister.DrainTimeout = cfg.PersistDrainTimeout
	}
	l.Router.metrics = cfg.Metrics
	l.Persister.metrics = cfg.Metrics
	l.Dispatcher = &Dispatcher{
		registry:       l.Registry,
		router:         l.Router,
		persister:      l.Persister,
		gateway:        cfg.Gateway,
		identities:     cfg.Identities,
		code:           cfg.Code,
		lifecycle:      l,
		metrics:        cfg.Metrics,
		AuthorizeJoins: cfg.AuthorizeJoins,
	}
	return l
}

func (l *Lifecycle) Start() {
	l.Persister.Start()
}

// Stop closes every live session and gives in-flight durable writes the persister's drain
// timeout to finish.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	l.stopped = true
	sessions := maps.Values(l.sessions)
	l.mu.Unlock()
	for _, sess := range sessions {
		l.Disconnect(sess)
		sess.sender.Close()
	}
	l.Persister.Stop()
	l.Registry.Close()
	logger.Info().Int("sessions", len(sessions)).Msg("presence lifecycle stopped")
}

// Connect creates a session for a freshly opened connection. verified is the identity the
// transport authenticated, or "".
func (l *Lifecycle) Connect(ctx context.Context, sender Sender, verified string) (*Session, error) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil, ErrLifecycleStopped
	}
	sess := newSession(ctx, sender, verified)
	l.sessions[sess.ID] = sess
	l.mu.Unlock()

	l.Router.Attach(sender)
	internal.DecorateLogger(sess.Context(), logger.Info()).Str("verified", verified).Msg("session connected")
	l.updateGauges()
	return sess, nil
}

// Disconnect releases everything held for sess: its registry entry and its room memberships.
// Both an explicit disconnect event and the transport closing call this, so it is idempotent.
func (l *Lifecycle) Disconnect(sess *Session) {
	if !sess.disconnected() {
		return
	}
	l.mu.Lock()
	delete(l.sessions, sess.ID)
	l.mu.Unlock()

	identity, _ := l.Registry.RemoveBySession(sess.ID)
	rooms := l.Router.Detach(sess.ID)
	internal.DecorateLogger(sess.Context(), logger.Info()).Str("identity", identity).Strs("rooms", rooms).Msg("session disconnected")
	l.updateGauges()
}

// Session returns the live session with this ID, or nil.
func (l *Lifecycle) Session(sessionID string) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[sessionID]
}

func (l *Lifecycle) NumSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Lifecycle) updateGauges() {
	if l.metrics == nil {
		return
	}
	l.metrics.gauges(l.NumSessions(), l.Registry.Len(), l.Router.NumRooms())
}
