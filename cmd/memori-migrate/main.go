// Command memori-migrate creates or upgrades the memory schema in a
// database. Run it once per store before pointing an application at
// it; rerunning against an up-to-date store is a no-op.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	memori "github.com/memorilabs/memori-go"
	"github.com/memorilabs/memori-go/internal/config"
	"github.com/memorilabs/memori-go/storage/mongodb"
	"github.com/memorilabs/memori-go/storage/mysql"
	"github.com/memorilabs/memori-go/storage/postgres"
	"github.com/memorilabs/memori-go/storage/sqlite"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[memori-migrate] ")

	var (
		configPath = flag.String("config", os.Getenv("MEMORI_CONFIG"), "path to memori.toml")
		dialect    = flag.String("dialect", "", "storage dialect: sqlite, postgresql, cockroachdb, mysql, mongodb (overrides config)")
		dsn        = flag.String("dsn", "", "database DSN or path (overrides config)")
		database   = flag.String("database", "memori", "database name (mongodb only)")
		timeout    = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	cfg := config.Load(*configPath)
	if *dialect != "" {
		cfg.Database.Dialect = *dialect
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	factory, cleanup, err := openFactory(ctx, cfg.Database.Dialect, cfg.Database.DSN, *database)
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.Database.Dialect, err)
	}
	defer cleanup()

	m, err := memori.Open(ctx, factory, memori.WithConfig(memori.Config{TestMode: true}))
	if err != nil {
		log.Fatalf("open handle: %v", err)
	}
	if err := m.Build(ctx); err != nil {
		log.Fatalf("apply schema: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		log.Printf("close: %v", err)
	}

	log.Printf("schema up to date (%s)", cfg.Database.Dialect)
}

// openFactory opens the dialect-specific store and returns a driver
// factory plus a cleanup for resources the handle does not own.
func openFactory(ctx context.Context, dialect, dsn, database string) (memori.DriverFactory, func(), error) {
	switch dialect {
	case "sqlite":
		d, err := sqlite.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		return memori.StaticDriver(d), func() {}, nil
	case "postgresql", "cockroachdb":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		var opts []postgres.Option
		if dialect == "cockroachdb" {
			opts = append(opts, postgres.WithCockroach())
		}
		return postgres.Factory(pool, opts...), pool.Close, nil
	case "mysql":
		d, err := mysql.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		return memori.StaticDriver(d), func() {}, nil
	case "mongodb":
		d, err := mongodb.Open(ctx, dsn, database)
		if err != nil {
			return nil, nil, err
		}
		return memori.StaticDriver(d), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown dialect %q", dialect)
	}
}
