package roomsync

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Opts configures a server. The zero value is not usable: start from DefaultOpts.
type Opts struct {
	BindAddr string
	// MetricsAddr serves /metrics on a separate listener. If empty, /metrics is served on BindAddr.
	MetricsAddr string
	DBURI       string

	// JWTSecret enables bearer token authentication. If empty, clients are whoever they
	// register as.
	JWTSecret string
	JWTIssuer string
	// AuthorizeJoins checks the room's durable member list before a session may join it.
	AuthorizeJoins bool

	PersistWorkers int
	// PersistBacklog is how many durable writes may queue for a worker before new ones are
	// dropped. 0 picks a default proportional to PersistWorkers.
	PersistBacklog int
	PersistRetries int
	// PersistTimeout bounds each attempt at a durable write.
	PersistTimeout   time.Duration
	SendBuffer       int
	SnapshotDebounce time.Duration
	AllowedOrigins   []string

	SentryDSN string
	OTLPURL   string
	OTLPUser  string
	OTLPPass  string

	Version string
}

func DefaultOpts() Opts {
	return Opts{
		BindAddr:         ":8080",
		AuthorizeJoins:   true,
		PersistWorkers:   8,
		PersistRetries:   3,
		PersistTimeout:   10 * time.Second,
		SendBuffer:       64,
		SnapshotDebounce: 5 * time.Second,
		AllowedOrigins:   []string{"*"},
		Version:          "dev",
	}
}

const minJWTSecretLength = 16

// Validate returns every problem with the options at once.
func (o *Opts) Validate() error {
	var errs []error
	if o.BindAddr == "" {
		errs = append(errs, errors.New("bind address is required"))
	}
	if o.DBURI == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if o.MetricsAddr != "" && o.MetricsAddr == o.BindAddr {
		errs = append(errs, fmt.Errorf("metrics address %s must differ from the bind address", o.MetricsAddr))
	}
	if o.JWTSecret != "" && len(o.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Errorf("jwt secret must be at least %d characters", minJWTSecretLength))
	}
	if o.JWTIssuer != "" && o.JWTSecret == "" {
		errs = append(errs, errors.New("jwt issuer is set but jwt secret is not"))
	}
	if o.PersistWorkers < 1 {
		errs = append(errs, fmt.Errorf("persist workers must be at least 1, got %d", o.PersistWorkers))
	}
	if o.PersistBacklog < 0 {
		errs = append(errs, fmt.Errorf("persist backlog cannot be negative, got %d", o.PersistBacklog))
	}
	if o.PersistTimeout <= 0 {
		errs = append(errs, fmt.Errorf("persist timeout must be positive, got %s", o.PersistTimeout))
	}
	if o.PersistRetries < 0 {
		errs = append(errs, fmt.Errorf("persist retries cannot be negative, got %d", o.PersistRetries))
	}
	if o.SendBuffer < 1 {
		errs = append(errs, fmt.Errorf("send buffer must be at least 1, got %d", o.SendBuffer))
	}
	if o.SnapshotDebounce < 0 {
		errs = append(errs, fmt.Errorf("snapshot debounce cannot be negative, got %s", o.SnapshotDebounce))
	}
	if len(o.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("at least one allowed origin is required, use * to allow any"))
	}
	for _, origin := range o.AllowedOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			errs = append(errs, fmt.Errorf("allowed origin %q must be scheme://host", origin))
		}
	}
	if o.OTLPURL != "" {
		u, err := url.Parse(o.OTLPURL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid OTLP URL %q", o.OTLPURL))
		}
	}
	if (o.OTLPUser == "") != (o.OTLPPass == "") {
		errs = append(errs, errors.New("OTLP user and password must be set together"))
	}
	return errors.Join(errs...)
}
