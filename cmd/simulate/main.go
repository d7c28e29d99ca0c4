package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/config"
	"github.com/hackgods/hospital-patient-flow/internal/db"
	"github.com/hackgods/hospital-patient-flow/internal/logging"
)

// SimConfig drives a patient-flow load test against a running api-server.
type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	ReadRatio   float64
	TicketLimit int
	PostgresDSN string
}

type clinic struct {
	ID     uuid.UUID
	Period time.Duration
}

type DataPool struct {
	Clinics []clinic
	Tickets []uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, slowest time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

// Metrics has one entry per step of a clinic visit plus queue reads.
type Metrics struct {
	Book     OperationMetrics
	Admit    OperationMetrics
	Start    OperationMetrics
	Outcome  OperationMetrics
	Complete OperationMetrics
	Snapshot OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     zerolog.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel).With().Str("service", "simulate").Logger()

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.3),
		TicketLimit: getInt("SIM_TICKET_LIMIT", 2000),
		PostgresDSN: baseCfg.PostgresDSN,
	}
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("clinics", len(dataPool.Clinics)).Int("tickets", len(dataPool.Tickets)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}
	sim.Run()
	sim.PrintReport()
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id, period_seconds FROM departments WHERE kind = 'clinic'`)
	if err != nil {
		return nil, fmt.Errorf("load clinics: %w", err)
	}
	for rows.Next() {
		var (
			c    clinic
			secs int32
		)
		if err := rows.Scan(&c.ID, &secs); err != nil {
			rows.Close()
			return nil, err
		}
		c.Period = time.Duration(secs) * time.Second
		dataPool.Clinics = append(dataPool.Clinics, c)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT t.id FROM tickets t
		WHERE t.state = 'active' AND t.first_clinic_appointment_id IS NULL
		LIMIT $1
	`, cfg.TicketLimit)
	if err != nil {
		return nil, fmt.Errorf("load tickets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Tickets = append(dataPool.Tickets, id)
	}

	if len(dataPool.Clinics) == 0 {
		return nil, fmt.Errorf("no clinics loaded; run the seed first")
	}
	if len(dataPool.Tickets) == 0 {
		return nil, fmt.Errorf("no open tickets loaded; run the seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	tickets := make(chan uuid.UUID, len(s.pool.Tickets))
	for _, id := range s.pool.Tickets {
		tickets <- id
	}
	close(tickets)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID, tickets)
		}(i)
	}
	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int, tickets <-chan uuid.UUID) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c := s.pool.Clinics[rng.Intn(len(s.pool.Clinics))]
		if rng.Float64() < s.config.ReadRatio {
			s.call(ctx, &s.metrics.Snapshot, http.MethodGet, fmt.Sprintf("/departments/%s/queue?pageSize=50", c.ID), nil, nil)
			continue
		}

		ticketID, ok := <-tickets
		if !ok {
			return
		}
		s.visit(ctx, rng, ticketID, c)
	}
}

// visit walks one ticket through a full clinic visit and stops at the first
// rejected step.
func (s *Simulator) visit(ctx context.Context, rng *rand.Rand, ticketID uuid.UUID, c clinic) {
	period := c.Period
	if period <= 0 {
		period = 15 * time.Minute
	}
	at := time.Now().UTC().Add(time.Duration(1+rng.Intn(40)) * period).Truncate(period)

	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	if !s.call(ctx, &s.metrics.Book, http.MethodPost, fmt.Sprintf("/tickets/%s/clinic-appointments", ticketID), map[string]any{
		"department_id":      c.ID,
		"scheduled_start_at": at,
	}, &appt) {
		return
	}

	base := fmt.Sprintf("/appointments/%s", appt.ID)
	if !s.call(ctx, &s.metrics.Admit, http.MethodPost, base+"/admit", nil, nil) {
		return
	}
	if !s.call(ctx, &s.metrics.Start, http.MethodPost, base+"/start", nil, nil) {
		return
	}
	if !s.call(ctx, &s.metrics.Outcome, http.MethodPost, base+"/outcome", map[string]any{
		"diagnosis":             "simulated",
		"re_examination_needed": false,
	}, nil) {
		return
	}
	s.call(ctx, &s.metrics.Complete, http.MethodPost, base+"/complete", nil, nil)
}

func (s *Simulator) call(ctx context.Context, om *OperationMetrics, method, path string, body, out any) bool {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, 0, err)
		}
		return false
	}
	defer resp.Body.Close()

	om.Record(latency, resp.StatusCode, nil)
	if resp.StatusCode >= 300 {
		return false
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false
		}
	}
	return true
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("PATIENT FLOW SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Book clinic visit", &s.metrics.Book)
	printOperationReport("Admit", &s.metrics.Admit)
	printOperationReport("Start", &s.metrics.Start)
	printOperationReport("Record outcome", &s.metrics.Outcome)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Queue snapshot", &s.metrics.Snapshot)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, slowest := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), slowest.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
