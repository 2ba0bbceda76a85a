package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codehive/roomsync"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

type runFunc func(ctx context.Context, opts roomsync.Opts) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(roomsync.RunServer, roomsync.Migrate).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(serve runFunc, migrate func(dbURI string) error) *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "roomsync",
		Short:         "Presence and broadcast server for collaborative rooms",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, cmd)
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (TOML, YAML or JSON). Every key can also be set as a ROOMSYNC_ environment variable")
	flags.String("db", "", "Postgres DB connection string (see lib/pq docs)")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn or error")
	flags.Bool("debug", false, "Trace logging and panicking assertions")
	bindFlag(v, "db", flags.Lookup("db"))
	bindFlag(v, "log_level", flags.Lookup("log-level"))
	bindFlag(v, "debug", flags.Lookup("debug"))

	rootCmd.AddCommand(
		newServeCmd(v, serve),
		newMigrateCmd(v, migrate),
		newVersionCmd(),
	)
	return rootCmd
}

func newServeCmd(v *viper.Viper, serve runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and REST server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := optsFromConfig(v)
			if err := opts.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	defaults := roomsync.DefaultOpts()
	flags.String("bindaddr", defaults.BindAddr, "Bind address")
	flags.String("metrics-addr", "", "Serve /metrics on this address instead of the bind address")
	flags.String("jwt-secret", "", "HMAC secret of bearer tokens. If unset, clients are whoever they register as")
	flags.Bool("authorize-joins", defaults.AuthorizeJoins, "Only let identities on a room's member list join it")
	flags.Duration("snapshot-debounce", defaults.SnapshotDebounce, "Save a room's code once it has been idle this long, 0 disables")
	flags.StringSlice("allowed-origins", defaults.AllowedOrigins, "Origins allowed to connect, * for any")
	bindFlag(v, "bindaddr", flags.Lookup("bindaddr"))
	bindFlag(v, "metrics_addr", flags.Lookup("metrics-addr"))
	bindFlag(v, "jwt_secret", flags.Lookup("jwt-secret"))
	bindFlag(v, "authorize_joins", flags.Lookup("authorize-joins"))
	bindFlag(v, "snapshot_debounce", flags.Lookup("snapshot-debounce"))
	bindFlag(v, "allowed_origins", flags.Lookup("allowed-origins"))
	return cmd
}

func newMigrateCmd(v *viper.Viper, migrate func(dbURI string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply outstanding database migrations",
		Long:  "Apply outstanding database migrations. serve does this too, but running it first keeps a slow migration out of the startup path.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbURI := v.GetString("db")
			if dbURI == "" {
				return fmt.Errorf("db is required")
			}
			return migrate(dbURI)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func initConfig(v *viper.Viper, cmd *cobra.Command) error {
	setDefaults(v)
	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	level := zerolog.InfoLevel
	if v.GetBool("debug") {
		level = zerolog.TraceLevel
		os.Setenv("ROOMSYNC_DEBUG", "1")
	} else if l, err := zerolog.ParseLevel(v.GetString("log_level")); err == nil {
		level = l
	} else {
		return fmt.Errorf("invalid log level %q", v.GetString("log_level"))
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
