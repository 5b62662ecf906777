package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/webhook"
)

// Config holds the benchmark settings
var (
	targetURL   string
	dbURL       string
	secret      string
	provider    string
	concurrency int
	duration    time.Duration
	workload    string
	invoiceCap  int
)

// Metrics
var (
	totalRequests uint64
	acked200      uint64
	rejected401   uint64
	failOther     uint64
)

type target struct {
	hash   string
	amount int64
	body   []byte
	sig    string
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&dbURL, "db", os.Getenv("DB_SOURCE"), "Postgres URL used to pick pending invoices and verify the ledger")
	flag.StringVar(&secret, "secret", os.Getenv("SATSJAR_PROVIDERS_LNBITS_WEBHOOK_SECRET"), "Webhook signing secret")
	flag.StringVar(&provider, "provider", "lnbits", "Provider path segment")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&invoiceCap, "invoices", 200, "Maximum pending invoices to target")
}

func main() {
	flag.Parse()
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	targets, err := loadTargets(ctx, conn)
	if err != nil {
		log.Fatal(err)
	}
	if len(targets) == 0 {
		log.Fatal("No pending invoices; run the seeder with pending_invoices.per_child > 0")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Invoices: %d", workload, concurrency, duration, len(targets))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, targets)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Settlement runs after the 200, give stragglers a moment.
	time.Sleep(2 * time.Second)
	violations, settled, err := verify(ctx, conn, targets)
	if err != nil {
		log.Fatal(err)
	}
	printResults(elapsed, settled, violations)
}

func loadTargets(ctx context.Context, conn *pgx.Conn) ([]target, error) {
	rows, err := conn.Query(ctx,
		`SELECT payment_hash, amount_sats FROM invoices WHERE status = 'pending' AND provider = $1 ORDER BY created_at LIMIT $2`,
		provider, invoiceCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.hash, &t.amount); err != nil {
			return nil, err
		}
		t.body, _ = json.Marshal(map[string]any{
			"payment_hash": t.hash,
			"amount":       t.amount,
			"paid":         true,
			"pending":      false,
		})
		t.sig = webhook.Sign(secret, t.body)
		out = append(out, t)
	}
	return out, rows.Err()
}

func worker(wg *sync.WaitGroup, start time.Time, targets []target) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	header := webhook.SignatureHeader(webhookProvider())

	for time.Since(start) < duration {
		t := pick(targets)

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/webhooks/"+provider, bytes.NewReader(t.body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(header, t.sig)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			atomic.AddUint64(&acked200, 1)
		case http.StatusUnauthorized:
			atomic.AddUint64(&rejected401, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func webhookProvider() domain.Provider {
	p, err := domain.ParseProvider(provider)
	if err != nil {
		log.Fatal(err)
	}
	return p
}

// pick chooses the invoice to redeliver. Hotspot sends 90% of traffic to
// the first two invoices to maximise settlement contention.
func pick(targets []target) target {
	if workload == "hotspot" && len(targets) > 1 && rand.Float32() < 0.90 {
		return targets[rand.Intn(2)]
	}
	return targets[rand.Intn(len(targets))]
}

// verify checks every targeted invoice has at most one deposit and that
// paid invoices have exactly one.
func verify(ctx context.Context, conn *pgx.Conn, targets []target) (violations, settled int, err error) {
	for _, t := range targets {
		var status string
		var deposits int
		err := conn.QueryRow(ctx, `
			SELECT i.status, (SELECT COUNT(*) FROM transactions x WHERE x.payment_hash = i.payment_hash AND x.type = 'deposit')
			FROM invoices i WHERE i.payment_hash = $1`, t.hash).Scan(&status, &deposits)
		if err != nil {
			return 0, 0, fmt.Errorf("verify %s: %w", t.hash, err)
		}
		switch {
		case deposits > 1, status == "paid" && deposits != 1, status != "paid" && deposits != 0:
			violations++
		case status == "paid":
			settled++
		}
	}
	return violations, settled, nil
}

func printResults(d time.Duration, settled, violations int) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&acked200)
	unauth := atomic.LoadUint64(&rejected401)
	fErr := atomic.LoadUint64(&failOther)

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_rps":     float64(total) / d.Seconds(),
		"acked":              ok,
		"rejected_signature": unauth,
		"errors":             fErr,
		"invoices_settled":   settled,
		"ledger_violations":  violations,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_webhook_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)

	if violations > 0 {
		log.Printf("LEDGER VIOLATIONS: %d invoices credited more than once or inconsistently", violations)
	}
}
