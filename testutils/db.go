package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
)

// EnvPostgresDB names an existing database to run against instead of creating a fresh one.
const EnvPostgresDB = "POSTGRES_DB"

func createLocalDB(dbName string) string {
	fmt.Println("Note: tests require a postgres install accessible to the current user")
	dropDB := exec.Command("dropdb", "--if-exists", "-f", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		fmt.Println("createdb failed: ", err)
		os.Exit(2)
	}
	return dbName
}

func currentUser() string {
	user, err := user.Current()
	if err != nil {
		fmt.Println("cannot get current user: ", err)
		os.Exit(2)
	}
	return user.Username
}

// PrepareDBConnectionString returns a lib/pq connection string for a test database. Each package
// asks for its own database so that packages can be tested in parallel; in CI a single
// database is shared by setting POSTGRES_DB.
func PrepareDBConnectionString(wantDBName string) (connStr string) {
	// Required vars: user and db
	// We'll try to infer from the local env if they are missing
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = currentUser()
	}
	dbName := os.Getenv(EnvPostgresDB)
	if dbName == "" {
		dbName = createLocalDB(wantDBName)
	}
	connStr = fmt.Sprintf(
		"user=%s dbname=%s sslmode=disable",
		user, dbName,
	)
	// optional vars, used in CI
	password := os.Getenv("POSTGRES_PASSWORD")
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	host := os.Getenv("POSTGRES_HOST")
	if host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	port := os.Getenv("POSTGRES_PORT")
	if port != "" {
		connStr += fmt.Sprintf(" port=%s", port)
	}
	return
}

// Unique returns an identifier scoped to the running test, so that tests sharing one database
// never see each other's rows.
func Unique(t *testing.T, name string) string {
	return fmt.Sprintf("%s_%s_%s", strings.ReplaceAll(t.Name(), "/", "_"), name, strings.ToLower(ulid.Make().String()[20:]))
}
