// simulate hammers the reserve endpoint with concurrent workers racing for
// the same expert slots, then verifies in the database that every slot was
// won exactly once.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mockmate/coaching-session-engine/internal/db"
)

type simConfig struct {
	APIBaseURL  string
	Workers     int
	Requests    int
	SlotCount   int
	Date        string
	PostgresDSN string
}

type metrics struct {
	total    int64
	success  int64
	conflict int64
	errored  int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *metrics) record(latency time.Duration, status int) {
	atomic.AddInt64(&m.total, 1)
	switch {
	case status == http.StatusCreated:
		atomic.AddInt64(&m.success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&m.conflict, 1)
	default:
		atomic.AddInt64(&m.errored, 1)
	}

	m.mu.Lock()
	m.latencies = append(m.latencies, latency)
	m.mu.Unlock()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := simConfig{
		APIBaseURL:  envOr("API_BASE_URL", "http://127.0.0.1:8080"),
		Workers:     envInt("SIM_WORKERS", 20),
		Requests:    envInt("SIM_REQUESTS", 500),
		SlotCount:   envInt("SIM_SLOTS", 4),
		Date:        envOr("SIM_DATE", time.Now().AddDate(0, 0, 1).Format("2006-01-02")),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	expertID, candidates, err := loadUsers(context.Background(), pool)
	if err != nil {
		log.Fatalf("load users: %v", err)
	}

	slots := make([]string, 0, cfg.SlotCount)
	for i := 0; i < cfg.SlotCount; i++ {
		slots = append(slots, fmt.Sprintf("%02d:00", 9+i))
	}

	log.Printf("simulating %d requests over %d workers against %d slots on %s",
		cfg.Requests, cfg.Workers, cfg.SlotCount, cfg.Date)

	var m metrics
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			for range jobs {
				candidate := candidates[rand.Intn(len(candidates))]
				slot := slots[rand.Intn(len(slots))]
				reserve(client, cfg, expertID, candidate, slot, &m)
			}
		}()
	}

	start := time.Now()
	for i := 0; i < cfg.Requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	report(&m, elapsed)
	verify(context.Background(), pool, expertID, cfg.Date)
}

func reserve(client *http.Client, cfg simConfig, expertID, candidateID uuid.UUID, slot string, m *metrics) {
	body, _ := json.Marshal(map[string]any{
		"candidate_id": candidateID.String(),
		"expert_id":    expertID.String(),
		"date":         cfg.Date,
		"start_time":   slot,
	})

	req, err := http.NewRequest(http.MethodPost, cfg.APIBaseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		m.record(0, 0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", candidateID.String())
	req.Header.Set("X-User-Role", "candidate")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		m.record(latency, 0)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	m.record(latency, resp.StatusCode)
}

func loadUsers(ctx context.Context, pool *pgxpool.Pool) (uuid.UUID, []uuid.UUID, error) {
	var expertID uuid.UUID
	err := pool.QueryRow(ctx, `SELECT id FROM users WHERE role = 'expert' LIMIT 1`).Scan(&expertID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("no expert found, run the seeder first: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT id FROM users WHERE role = 'candidate' LIMIT 200`)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer rows.Close()

	var candidates []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return uuid.Nil, nil, err
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return uuid.Nil, nil, fmt.Errorf("no candidates found, run the seeder first")
	}

	return expertID, candidates, rows.Err()
}

func report(m *metrics, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	max := time.Duration(0)
	for _, l := range m.latencies {
		total += l
		if l > max {
			max = l
		}
	}
	avg := time.Duration(0)
	if len(m.latencies) > 0 {
		avg = total / time.Duration(len(m.latencies))
	}

	log.Printf("done in %s: total=%d success=%d conflict=%d error=%d avg=%s max=%s",
		elapsed, m.total, m.success, m.conflict, m.errored, avg, max)
}

func verify(ctx context.Context, pool *pgxpool.Pool, expertID uuid.UUID, date string) {
	rows, err := pool.Query(ctx, `
		SELECT start_time, count(*)
		FROM sessions
		WHERE expert_id = $1
		  AND scheduled_date = $2
		  AND status IN ('scheduled', 'in_progress')
		GROUP BY start_time
		HAVING count(*) > 1
	`, expertID, date)
	if err != nil {
		log.Fatalf("verify query: %v", err)
	}
	defer rows.Close()

	violations := 0
	for rows.Next() {
		var slot string
		var n int
		if err := rows.Scan(&slot, &n); err != nil {
			log.Fatalf("verify scan: %v", err)
		}
		log.Printf("VIOLATION: slot %s has %d live sessions", slot, n)
		violations++
	}

	if violations == 0 {
		log.Println("verified: every slot won at most once")
	} else {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
