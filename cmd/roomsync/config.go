package main

import (
	"strings"

	"github.com/codehive/roomsync"
	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	d := roomsync.DefaultOpts()
	v.SetDefault("bindaddr", d.BindAddr)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("authorize_joins", d.AuthorizeJoins)
	v.SetDefault("persist_workers", d.PersistWorkers)
	v.SetDefault("persist_backlog", d.PersistBacklog)
	v.SetDefault("persist_retries", d.PersistRetries)
	v.SetDefault("persist_timeout", d.PersistTimeout)
	v.SetDefault("send_buffer", d.SendBuffer)
	v.SetDefault("snapshot_debounce", d.SnapshotDebounce)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("log_level", "info")
}

func optsFromConfig(v *viper.Viper) roomsync.Opts {
	return roomsync.Opts{
		BindAddr:         v.GetString("bindaddr"),
		MetricsAddr:      v.GetString("metrics_addr"),
		DBURI:            v.GetString("db"),
		JWTSecret:        v.GetString("jwt_secret"),
		JWTIssuer:        v.GetString("jwt_issuer"),
		AuthorizeJoins:   v.GetBool("authorize_joins"),
		PersistWorkers:   v.GetInt("persist_workers"),
		PersistBacklog:   v.GetInt("persist_backlog"),
		PersistRetries:   v.GetInt("persist_retries"),
		PersistTimeout:   v.GetDuration("persist_timeout"),
		SendBuffer:       v.GetInt("send_buffer"),
		SnapshotDebounce: v.GetDuration("snapshot_debounce"),
		AllowedOrigins:   splitList(v.GetStringSlice("allowed_origins")),
		SentryDSN:        v.GetString("sentry_dsn"),
		OTLPURL:          v.GetString("otlp_url"),
		OTLPUser:         v.GetString("otlp_user"),
		OTLPPass:         v.GetString("otlp_pass"),
		Version:          version,
	}
}

// splitList accepts both list values and the comma separated form environment variables use.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
