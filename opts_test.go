package roomsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOpts() Opts {
	o := DefaultOpts()
	o.DBURI = "user=roomsync dbname=roomsync sslmode=disable"
	return o
}

func TestOptsValidateDefaults(t *testing.T) {
	o := validOpts()
	require.NoError(t, o.Validate())

	o = DefaultOpts()
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db is required")
}

func TestOptsValidateReportsEverything(t *testing.T) {
	o := validOpts()
	o.PersistWorkers = 0
	o.PersistRetries = -1
	o.PersistBacklog = -1
	o.PersistTimeout = 0
	o.SendBuffer = 0
	o.SnapshotDebounce = -time.Second
	o.JWTSecret = "short"
	err := o.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"persist workers must be at least 1",
		"persist retries cannot be negative",
		"persist backlog cannot be negative",
		"persist timeout must be positive",
		"send buffer must be at least 1",
		"snapshot debounce cannot be negative",
		"jwt secret must be at least 16 characters",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestOptsValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(o *Opts)
		wantErr string
	}{
		{
			name:   "snapshots can be disabled",
			mutate: func(o *Opts) { o.SnapshotDebounce = 0 },
		},
		{
			name:   "explicit origins",
			mutate: func(o *Opts) { o.AllowedOrigins = []string{"https://app.example.com", "http://localhost:5173"} },
		},
		{
			name:    "origin with a path",
			mutate:  func(o *Opts) { o.AllowedOrigins = []string{"https://app.example.com/editor"} },
			wantErr: "must be scheme://host",
		},
		{
			name:    "bare host origin",
			mutate:  func(o *Opts) { o.AllowedOrigins = []string{"app.example.com"} },
			wantErr: "must be scheme://host",
		},
		{
			name:    "no origins",
			mutate:  func(o *Opts) { o.AllowedOrigins = nil },
			wantErr: "at least one allowed origin",
		},
		{
			name:    "metrics on the bind address",
			mutate:  func(o *Opts) { o.MetricsAddr = o.BindAddr },
			wantErr: "must differ from the bind address",
		},
		{
			name:    "issuer without secret",
			mutate:  func(o *Opts) { o.JWTIssuer = "https://login.example.com" },
			wantErr: "jwt issuer is set but jwt secret is not",
		},
		{
			name: "jwt",
			mutate: func(o *Opts) {
				o.JWTSecret = "0123456789abcdef0123"
				o.JWTIssuer = "https://login.example.com"
			},
		},
		{
			name:    "otlp user without password",
			mutate:  func(o *Opts) { o.OTLPURL = "http://localhost:4318"; o.OTLPUser = "u" },
			wantErr: "must be set together",
		},
		{
			name:    "otlp URL without host",
			mutate:  func(o *Opts) { o.OTLPURL = "localhost" },
			wantErr: "invalid OTLP URL",
		},
		{
			name:    "no bind address",
			mutate:  func(o *Opts) { o.BindAddr = "" },
			wantErr: "bind address is required",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			o := validOpts()
			tc.mutate(&o)
			err := o.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
