package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"torrent_bot/migrations"
)

// commands maps subcommand names to goose operations on the embedded
// migration set.
var commands = map[string]func(*sql.DB, string, ...goose.OptionsFunc) error{
	"up":      goose.Up,
	"up-one":  goose.UpByOne,
	"down":    goose.Down,
	"status":  goose.Status,
	"version": goose.Version,
	"reset":   goose.Reset,
}

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/bot.db"), "path to sqlite database")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	run, ok := commands[args[0]]
	if !ok {
		log.Fatalf("unknown command: %s", args[0])
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Prepare(); err != nil {
		log.Fatalf("prepare migrations: %v", err)
	}
	if err := run(db, "."); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: migrate [-db path] <command>

Commands:
  up       Apply all pending migrations
  up-one   Apply the next pending migration
  down     Roll back the last migration
  status   Show applied and pending migrations
  version  Show the current schema version
  reset    Roll back everything`)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
