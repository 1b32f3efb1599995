package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/storage/sqldb"
)

// Imports provider secrets into the credentials table, one per line as
// "secret" or "label,secret". Lines starting with # are ignored.
func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatalf("DATABASE_URL is not set")
	}
	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}
	path := "scripts/credentials.txt"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sqldb.Open(ctx, sqldb.Config{Driver: driver, URL: dbURL})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	repo := sqldb.NewCredentialRepo(db)
	var added, skipped int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		label, secret := "", line
		if before, after, ok := strings.Cut(line, ","); ok {
			label, secret = strings.TrimSpace(before), strings.TrimSpace(after)
		}

		cred := &domain.Credential{
			ID:     uuid.NewString(),
			Secret: secret,
			Label:  label,
			Active: true,
		}
		if cred.Label == "" {
			cred.Label = "import-" + cred.MaskedSecret()
		}
		err := repo.Create(ctx, cred)
		if errors.Is(err, storage.ErrDuplicate) {
			skipped++
			continue
		}
		if err != nil {
			log.Fatalf("insert %s: %v", cred.MaskedSecret(), err)
		}
		added++
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read %s: %v", path, err)
	}

	fmt.Printf("Imported %d credentials from %s (%d already present)\n", added, path, skipped)
}
