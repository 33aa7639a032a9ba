package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"

	"callbridge/agent/internal/config"
	"callbridge/agent/internal/records"
)

func main() {
	flag.Usage = func() {
		log.Printf("usage: migrate [up|down|status|version]")
	}
	flag.Parse()
	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.Postgres.URL == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pool, err := records.Open(ctx, cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := records.Migrate(ctx, pool, command); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("migrate %s: done", command)
}
