package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mockmate/coaching-session-engine/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedUsers(context.Background(), pool, "expert", 50); err != nil {
		log.Fatalf("seed experts: %v", err)
	}
	if err := seedUsers(context.Background(), pool, "candidate", 2000); err != nil {
		log.Fatalf("seed candidates: %v", err)
	}

	log.Println("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, role string, count int) error {
	log.Printf("seeding %d users with role=%s", count, role)

	batch := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		email := gofakeit.Email()
		batch = append(batch, []any{uuid.New(), gofakeit.Name(), email, role})
	}

	for _, row := range batch {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (id, name, email, role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, row...)
		if err != nil {
			return err
		}
	}

	return nil
}
