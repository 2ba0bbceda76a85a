// Package roomsync wires the presence layer, its websocket transport and the REST API into a
// single HTTP server.
package roomsync

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codehive/roomsync/api"
	"github.com/codehive/roomsync/auth"
	"github.com/codehive/roomsync/internal"
	"github.com/codehive/roomsync/presence"
	"github.com/codehive/roomsync/pubsub"
	"github.com/codehive/roomsync/snapshot"
	"github.com/codehive/roomsync/state"
	"github.com/codehive/roomsync/state/migrations"
	"github.com/codehive/roomsync/transport"
	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// shutdownTimeout bounds how long in-flight REST requests get once the server is stopping.
const shutdownTimeout = 10 * time.Second

// Server is every long lived component of a running instance. Storage is owned by the caller.
type Server struct {
	Opts        Opts
	Storage     *state.Storage
	Lifecycle   *presence.Lifecycle
	Snapshotter *snapshot.Snapshotter
	Notifier    pubsub.Notifier

	inviteSub *pubsub.InviteSub
	metrics   *presence.Metrics
	handler   http.Handler
}

// Setup builds a server around an existing store. Collectors are registered with reg, and
// /metrics is served from gatherer unless opts.MetricsAddr moves it elsewhere.
func Setup(store *state.Storage, opts Opts, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Server {
	var authn auth.Authenticator = auth.Anonymous{}
	var identities presence.IdentityProvider
	if opts.JWTSecret != "" {
		j := auth.NewJWT(opts.JWTSecret, opts.JWTIssuer)
		authn = j
		identities = j
	}
	s := &Server{
		Opts:    opts,
		Storage: store,
		metrics: presence.NewMetrics(reg),
	}
	var code presence.CodeObserver
	if opts.SnapshotDebounce > 0 {
		s.Snapshotter = snapshot.New(store, opts.SnapshotDebounce)
		code = s.Snapshotter
	}
	s.Lifecycle = presence.NewLifecycle(presence.Config{
		Gateway:               store,
		Identities:            identities,
		Code:                  code,
		AuthorizeJoins:        opts.AuthorizeJoins,
		PersistWorkers:        opts.PersistWorkers,
		PersistBacklog:        opts.PersistBacklog,
		PersistRetries:        opts.PersistRetries,
		PersistAttemptTimeout: opts.PersistTimeout,
		Metrics:               s.metrics,
	})
	ps := pubsub.NewPubSub(100)
	s.Notifier = pubsub.NewPromNotifier(ps, reg, "api")
	s.inviteSub = pubsub.NewInviteSub(ps, &inviteDeliverer{dispatcher: s.Lifecycle.Dispatcher})

	settings := transport.DefaultSettings()
	settings.SendBuffer = opts.SendBuffer
	ws := transport.NewHandler(s.Lifecycle, authn, settings, opts.AllowedOrigins)

	apiRouter := mux.NewRouter()
	api.NewHandler(store, s.Notifier, authn).Register(apiRouter)

	r := mux.NewRouter()
	r.Handle("/ws", ws)
	r.PathPrefix("/api/").Handler(allowCORS(opts.AllowedOrigins, otelhttp.NewHandler(apiRouter, "roomsync.api")))
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
	}))
	if opts.MetricsAddr == "" && gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins durable writes, code snapshots and live invite delivery.
func (s *Server) Start() {
	s.Lifecycle.Start()
	if s.Snapshotter != nil {
		s.Snapshotter.Start()
	}
	go func() {
		if err := s.inviteSub.Listen(); err != nil && !errors.Is(err, pubsub.ErrClosed) {
			logger.Err(err).Msg("invite listener stopped")
		}
	}()
}

// Stop closes every session, then waits for outstanding durable writes and code snapshots.
func (s *Server) Stop() {
	s.Notifier.Close()
	s.Lifecycle.Stop()
	if s.Snapshotter != nil {
		s.Snapshotter.Stop()
	}
	s.metrics.Unregister()
}

// inviteDeliverer pushes invites stored through the REST API to the recipient's live session.
type inviteDeliverer struct {
	dispatcher *presence.Dispatcher
}

func (d *inviteDeliverer) OnInviteCreated(p *pubsub.InviteCreated) {
	ctx := internal.WithIdentity(context.Background(), p.Sender)
	delivered := d.dispatcher.DeliverInvite(ctx, p.Recipient, p.SenderName, p.RoomName)
	logger.Trace().Str("notification", p.NotificationID).Str("recipient", p.Recipient).Bool("live", delivered).Msg("invite published")
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(origins []string, next http.Handler) http.HandlerFunc {
	allowAll := slices.Contains(origins, "*")
	return func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, strings.TrimSuffix(origin, "/")):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Migrate applies outstanding schema migrations.
func Migrate(dbURI string) error {
	db, err := sqlx.Open("postgres", dbURI)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Up(db.DB)
}

// RunServer is the main entry point to the server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func RunServer(ctx context.Context, opts Opts) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     opts.SentryDSN,
			Release: opts.Version,
		})
		if err != nil {
			return err
		}
		defer sentry.Flush(2 * time.Second)
	}
	if opts.OTLPURL != "" {
		shutdown, err := internal.ConfigureOTLP(opts.OTLPURL, opts.OTLPUser, opts.OTLPPass, opts.Version)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to flush traces")
			}
		}()
	}

	db, err := sqlx.Open("postgres", opts.DBURI)
	if err != nil {
		return err
	}
	// migrations must run before the tables are constructed
	if err = migrations.Up(db.DB); err != nil {
		db.Close()
		return err
	}
	store := state.NewStorageWithDB(db)
	defer store.Teardown()

	s := Setup(store, opts, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	s.Start()

	errs := make(chan error, 2)
	srv := &http.Server{
		Addr:              opts.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("version", opts.Version).Msgf("listening on %s", opts.BindAddr)
		errs <- srv.ListenAndServe()
	}()
	var metricsSrv *http.Server
	if opts.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Msgf("serving metrics on %s", opts.MetricsAddr)
			errs <- metricsSrv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		err = nil
	case err = <-errs:
		logger.Err(err).Msg("failed to listen and serve")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// websockets are hijacked so Shutdown does not wait for them, Stop closes them
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("failed to shut down HTTP server cleanly")
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	s.Stop()
	return err
}
