package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fleetwatch/telemetry/db/migrations"
	"github.com/fleetwatch/telemetry/internal/config"
	"github.com/fleetwatch/telemetry/internal/partition"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all pending migrations")
	downCmd := flag.Bool("down", false, "Rollback last migration")
	statusCmd := flag.Bool("status", false, "Show migration status")
	initCmd := flag.Bool("init", false, "Initialize migrations table")
	seedCmd := flag.Bool("seed-partitions", false, "Convert/seed RANGE partitions after migrating")
	version := flag.Int64("version", 0, "Migrate up to specific version")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.SSLMode,
	)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	log.Printf("[Migrate] Connected to database: %s@%s:%s/%s",
		cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	migrator := migrations.NewMigrator(db)
	for _, m := range migrations.GetRegisteredMigrations() {
		migrator.Register(m)
	}

	switch {
	case *initCmd:
		if err := migrator.Init(); err != nil {
			log.Fatalf("Failed to initialize: %v", err)
		}
		log.Println("[Migrate] migrations table initialized")

	case *upCmd:
		if err := migrator.Init(); err != nil {
			log.Fatalf("Failed to initialize: %v", err)
		}
		if err := migrator.Up(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("[Migrate] all migrations applied")
		if *seedCmd {
			seedPartitions(connStr, cfg)
		}

	case *downCmd:
		if err := migrator.Down(); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("[Migrate] rollback complete")

	case *statusCmd:
		if err := migrator.Init(); err != nil {
			log.Fatalf("Failed to initialize: %v", err)
		}
		if err := migrator.Status(); err != nil {
			log.Fatalf("Failed to get status: %v", err)
		}

	case *version > 0:
		if err := migrator.Init(); err != nil {
			log.Fatalf("Failed to initialize: %v", err)
		}
		if err := migrator.UpTo(*version); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Printf("[Migrate] migrated up to version %d", *version)

	default:
		fmt.Println("fleetwatch telemetry - database migration tool")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  migrate -init                 Initialize migrations table")
		fmt.Println("  migrate -up                   Run all pending migrations")
		fmt.Println("  migrate -up -seed-partitions  Also convert/seed RANGE partitions")
		fmt.Println("  migrate -down                 Rollback last migration")
		fmt.Println("  migrate -status               Show migration status")
		fmt.Println("  migrate -version=N            Migrate up to specific version")
		os.Exit(1)
	}
}

// seedPartitions runs the one-shot convert-to-partitioned step, which seeds
// partitions from the earliest existing data through the configured
// future-months horizon and does nothing when the table is already
// partitioned. It opens its own short-lived pgxpool since the
// catalog is built on pgx, not the database/sql handle the migrator uses.
func seedPartitions(connStr string, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("[Migrate] failed to open pgx pool for partition seeding: %v", err)
	}
	defer pool.Close()

	cat := partition.New(pool, nil)
	if err := cat.ConvertToPartitioned(ctx, time.Now(), cfg.Partition.FutureMonths); err != nil {
		log.Fatalf("[Migrate] partition conversion failed: %v", err)
	}
	log.Println("[Migrate] partitions seeded")
}
