// Package main implements a one-shot seed command that creates demo
// bots directly in the Botfleet database. It lives inside the server
// module so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed --name "nightly-crawler" --schedule "0 3 * * *"
//
// Environment variables:
//
//	BOTFLEET_DB_DRIVER  sqlite or postgres (default: sqlite)
//	BOTFLEET_DB_DSN     SQLite file path or Postgres DSN (default: ./botfleet.db)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
)

const defaultScript = `export default async function run(page) {
  await page.goto("https://example.com");
  return await page.title();
}`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "demo-bot", "Bot name")
	script := flag.String("script", defaultScript, "Bot script source")
	schedule := flag.String("schedule", "", "Optional cron schedule (five fields)")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *schedule != "" {
		if err := registry.ValidateCron(*schedule); err != nil {
			return fmt.Errorf("invalid --schedule: %w", err)
		}
	}

	driver := envOrDefault("BOTFLEET_DB_DRIVER", "sqlite")
	dsn := envOrDefault("BOTFLEET_DB_DSN", "./botfleet.db")

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	bot := &db.Bot{
		Name:   *name,
		Script: *script,
	}
	if *schedule != "" {
		bot.Schedule = schedule
	}

	botRepo := repository.NewBotRepository(database)
	if err := botRepo.Create(context.Background(), bot); err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	fmt.Printf("✓ Bot created\n")
	fmt.Printf("  ID:       %s\n", bot.ID)
	fmt.Printf("  Name:     %s\n", bot.Name)
	if bot.Schedule != nil {
		fmt.Printf("  Schedule: %s\n", *bot.Schedule)
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
