// README: Smoke checks: environment, migration shape, API surface, and
// light load probes.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	cases := r.cases()
	results := make([]Result, 0, len(cases))
	for _, tc := range cases {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "dsn not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, stmt := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, stmt); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("%d tables", len(tables))}
			},
		},
		{
			Name: "DB: platform float account seeded",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "db not configured"}
				}
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM wallet_accounts WHERE owner_id='platform')",
				).Scan(&exists)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if !exists {
					return Result{Status: "FAIL", Note: "platform account missing"}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Redis: geo round-trip",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				const key = "geo:benchcheck"
				defer r.redis.Del(ctx, key)
				if err := r.redis.GeoAdd(ctx, key, &redis.GeoLocation{
					Name: "probe", Longitude: 3.3792, Latitude: 6.5244,
				}).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				locs, err := r.redis.GeoSearchLocation(ctx, key, &redis.GeoSearchLocationQuery{
					GeoSearchQuery: redis.GeoSearchQuery{
						Longitude: 3.3792, Latitude: 6.5244,
						Radius: 1, RadiusUnit: "km", Count: 1,
					},
					WithCoord: true,
				}).Result()
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if len(locs) != 1 || locs[0].Name != "probe" {
					return Result{Status: "FAIL", Note: "probe not found"}
				}
				return Result{Status: "PASS"}
			},
		},
		httpCase("API: healthz", http.MethodGet, base+"/healthz", []int{200}),
		{
			Name: "API: metrics exposes okada series",
			Run: func(ctx context.Context, r *Runner) Result {
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/metrics", nil)
				start := time.Now()
				resp, err := r.httpc.Do(req)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				body, _ := io.ReadAll(resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode != 200 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", resp.StatusCode)}
				}
				if !strings.Contains(string(body), "okada_") {
					return Result{Status: "FAIL", Note: "no okada_ series"}
				}
				return Result{Status: "PASS", Latency: time.Since(start)}
			},
		},
		httpCase("Auth: booking requires token", http.MethodPost, base+"/api/v1/requests", []int{401}),
		httpCase("Auth: accept requires token", http.MethodPost,
			base+"/api/v1/requests/00000000000000000000000000000000/accept", []int{401}),
		httpCase("Auth: wallet requires token", http.MethodGet, base+"/api/v1/wallet/me", []int{401}),
		{
			Name: "Load: auth gate holds under parallel accepts",
			Run: func(ctx context.Context, r *Runner) Result {
				return parallelStatusCheck(ctx, r,
					base+"/api/v1/requests/00000000000000000000000000000000/accept", 401)
			},
		},
		{
			Name: "Load: healthz throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return loadCheck(ctx, r, base+"/healthz")
			},
		},
	}
}

func httpCase(name, method, url string, okStatuses []int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			req, _ := http.NewRequestWithContext(ctx, method, url, nil)
			req.Header.Set("Content-Type", "application/json")
			start := time.Now()
			resp, err := r.httpc.Do(req)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			latency := time.Since(start)
			if contains(okStatuses, resp.StatusCode) {
				return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("status=%d", resp.StatusCode)}
			}
			return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d", resp.StatusCode)}
		},
	}
}

// parallelStatusCheck fires cfg.Concurrency identical requests and
// verifies every response carries the expected status.
func parallelStatusCheck(ctx context.Context, r *Runner, url string, want int) Result {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		matched  int
		badNotes []string
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			resp, err := r.httpc.Do(req)
			if err != nil {
				mu.Lock()
				badNotes = append(badNotes, err.Error())
				mu.Unlock()
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			mu.Lock()
			if resp.StatusCode == want {
				matched++
			} else {
				badNotes = append(badNotes, fmt.Sprintf("status=%d", resp.StatusCode))
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if matched == r.cfg.Concurrency {
		return Result{Status: "PASS", Note: fmt.Sprintf("all %d returned %d", matched, want)}
	}
	note := fmt.Sprintf("%d/%d returned %d", matched, r.cfg.Concurrency, want)
	if len(badNotes) > 0 {
		note += "; first: " + badNotes[0]
	}
	return Result{Status: "FAIL", Note: note}
}

func loadCheck(ctx context.Context, r *Runner, url string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		count  int64
		errors int64
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) {
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				resp, err := r.httpc.Do(req)
				if err != nil {
					mu.Lock()
					errors++
					mu.Unlock()
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errors)}
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
