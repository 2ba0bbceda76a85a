package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

//go:embed *.sql
var sqlMigrations embed.FS

// Up applies every outstanding migration. It must run before the state tables are constructed
// against a database created by an older release.
func Up(db *sql.DB) error {
	goose.SetBaseFS(sqlMigrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// Version returns the version of the latest applied migration.
func Version(db *sql.DB) (int64, error) {
	goose.SetBaseFS(sqlMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db)
}

// gooseLogger sends goose output through zerolog.
type gooseLogger struct{}

func (gooseLogger) Fatal(v ...interface{})                 { logger.Fatal().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Fatalf(format string, v ...interface{}) { logger.Fatal().Msgf(format, v...) }
func (gooseLogger) Print(v ...interface{})                 { logger.Info().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Println(v ...interface{})               { logger.Info().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Printf(format string, v ...interface{}) { logger.Info().Msgf(format, v...) }

// tableExists is used by migrations which change tables that a fresh database does not have yet.
func tableExists(tx *sql.Tx, table string) (exists bool, err error) {
	err = tx.QueryRow(`SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
	return
}
