// Command migrate applies the schema under migrations/ with
// golang-migrate, which tracks the applied version in the
// schema_migrations table. With no flags it migrates up to the latest
// version; -down steps back one version and -version prints where the
// schema sits without changing anything.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var (
		dir     = flag.String("dir", "migrations", "directory holding the migration files")
		down    = flag.Bool("down", false, "roll back one version instead of migrating up")
		version = flag.Bool("version", false, "print the current schema version and exit")
	)
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	m, err := migrate.New("file://"+*dir, dsn)
	if err != nil {
		log.Fatalf("open migrations: %v", err)
	}
	defer m.Close()

	if *version {
		v, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			fmt.Println("schema version: none")
		case err != nil:
			log.Fatalf("read version: %v", err)
		case dirty:
			fmt.Printf("schema version: %d (dirty, resolve by hand)\n", v)
		default:
			fmt.Printf("schema version: %d\n", v)
		}
		return
	}

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("schema already up to date")
	case err != nil:
		log.Fatalf("migrate: %v", err)
	default:
		if v, _, verr := m.Version(); verr == nil {
			log.Printf("schema at version %d", v)
		} else {
			log.Println("schema empty")
		}
	}
}
