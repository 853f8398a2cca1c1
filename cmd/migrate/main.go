package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/kiwari-pos/storefront/internal/database"
	"go.uber.org/zap"
)

func main() {
	source := flag.String("source", "file://migrations", "Migration source URL")
	steps := flag.Int("steps", 0, "Apply N migrations (negative rolls back); 0 applies all")
	flag.Parse()

	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	version, err := database.Migrate(dbURL, *source, *steps)
	if err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
	logger.Info("Migrations applied", zap.Uint("version", version), zap.String("source", *source))
}
