//cmd/seeder/main.go
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/unclebandit/wa-gateway/internal/config"
	"github.com/unclebandit/wa-gateway/internal/db"
)

// seedFiles run in order on every invocation, so each must be safe to re-run.
var seedFiles = []string{
	"migrations/001_init.sql",
	"seed/businesses.sql",
	"seed/conversations.sql",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	conn, err := db.Open(cfg.DSN())
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", file, err)
		}

		if _, err = conn.Exec(string(content)); err != nil {
			log.Fatalf("failed to execute %s: %v", file, err)
		}
		fmt.Printf("Applied: %s\n", file)
	}

	fmt.Println("Database seeding completed successfully!")
}
