// README: Bench cases; environment checks, the full delivery flow, the accept race and load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	pg "marketplace/internal/storage/postgres"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
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

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		start := time.Now()
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		if res.Latency == 0 {
			res.Latency = time.Since(start)
		}
		results = append(results, res)
		fmt.Printf("%-5s %s (%s)", res.Status, tc.Name, res.Latency.Round(time.Millisecond))
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

func pass(note string) Result { return Result{Status: statusPass, Note: note} }
func skip(note string) Result { return Result{Status: statusSkip, Note: note} }
func fail(err error) Result   { return Result{Status: statusFail, Note: err.Error()} }

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{"Env: Postgres connect", func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return skip("no dsn")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return fail(err)
			}
			return pass("")
		}},
		{"Env: Redis connect", func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return skip("no redis address")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return fail(err)
			}
			return pass("")
		}},
		{"Migration: apply", func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration || r.db == nil {
				return skip("apply-migration off or no dsn")
			}
			if err := pg.ApplyFile(ctx, r.db, r.cfg.MigrationPath); err != nil {
				return fail(err)
			}
			return pass("")
		}},
		{"Migration: tables exist", tablesExist},
		{"API: health", func(ctx context.Context, r *Runner) Result {
			code, _, err := r.call(ctx, http.MethodGet, "/health", "", nil)
			if err != nil {
				return fail(err)
			}
			if code != http.StatusOK {
				return fail(fmt.Errorf("status=%d", code))
			}
			return pass("")
		}},
		{"API: unauthenticated is 401", func(ctx context.Context, r *Runner) Result {
			code, _, err := r.call(ctx, http.MethodPost, "/api/orders", "", map[string]any{})
			if err != nil {
				return fail(err)
			}
			if code != http.StatusUnauthorized {
				return fail(fmt.Errorf("status=%d", code))
			}
			return pass("")
		}},
		{"Flow: order placed to delivered", deliveryFlow},
		{"Concurrency: couriers race for one order", acceptRace},
		{"Perf: courier location updates", locationLoad},
	}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("no dsn")
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return fail(err)
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return fail(err)
		}
		if !exists {
			return fail(errors.New("missing table: " + t))
		}
	}
	return pass(fmt.Sprintf("%d tables", len(tables)))
}

// call sends body as JSON with a dev bearer token and decodes a JSON reply.
func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, nil
}

// expect fails unless the call returned want.
func (r *Runner) expect(ctx context.Context, want int, method, path, token string, body any) (map[string]any, error) {
	code, out, err := r.call(ctx, method, path, token, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if code != want {
		return nil, fmt.Errorf("%s %s: status=%d want %d body=%v", method, path, code, want, out)
	}
	return out, nil
}

type scenario struct {
	customer   string
	restaurant string
	pickup     map[string]float64
	dropoff    map[string]float64
}

// newScenario picks fresh identities and a random pickup so runs do not
// share couriers.
func newScenario() scenario {
	lat := -60 + rand.Float64()*120
	lng := -170 + rand.Float64()*340
	return scenario{
		customer:   "bench-" + uuid.NewString() + ":customer",
		restaurant: "bench-r-" + uuid.NewString(),
		pickup:     map[string]float64{"lat": lat, "lng": lng},
		dropoff:    map[string]float64{"lat": lat + 0.01, "lng": lng},
	}
}

// readyOrder places, pays for and prepares an order.
func (r *Runner) readyOrder(ctx context.Context, s scenario) (map[string]any, error) {
	o, err := r.expect(ctx, http.StatusCreated, http.MethodPost, "/api/orders", s.customer, map[string]any{
		"restaurant_id": s.restaurant,
		"total":         "42.50",
		"items":         []map[string]any{{"sku": "bench", "qty": 1}},
		"pickup":        s.pickup,
		"dropoff":       s.dropoff,
	})
	if err != nil {
		return nil, err
	}
	id, _ := o["id"].(string)
	if _, err := r.expect(ctx, http.StatusOK, http.MethodPost, "/api/payments/signal", "bench:system", map[string]any{
		"order_id": id, "success": true,
	}); err != nil {
		return nil, err
	}
	for _, to := range []string{"preparing", "ready"} {
		if _, err := r.expect(ctx, http.StatusOK, http.MethodPost, "/api/orders/"+id+"/transitions", s.restaurant+":restaurant", map[string]any{"to": to}); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// offerFor waits for the courier's offer on order id; auto-publish may still be running.
func (r *Runner) offerFor(ctx context.Context, courier, id string) (string, error) {
	for i := 0; i < 20; i++ {
		out, err := r.expect(ctx, http.StatusOK, http.MethodGet, "/api/couriers/me/offers", courier, nil)
		if err != nil {
			return "", err
		}
		offers, _ := out["offers"].([]any)
		for _, raw := range offers {
			o, _ := raw.(map[string]any)
			if o["order_id"] == id {
				offerID, _ := o["id"].(string)
				return offerID, nil
			}
		}
		if i == 0 {
			// explicit publish covers servers with auto-publish off
			_, _, _ = r.call(ctx, http.MethodPost, "/api/orders/"+id+"/offers", "bench:system", nil)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return "", fmt.Errorf("no offer for %s reached %s", id, courier)
}

func deliveryFlow(ctx context.Context, r *Runner) Result {
	s := newScenario()
	courier := "bench-c-" + uuid.NewString() + ":courier"
	if _, err := r.expect(ctx, http.StatusOK, http.MethodPut, "/api/couriers/me/location", courier, s.pickup); err != nil {
		return fail(err)
	}
	o, err := r.readyOrder(ctx, s)
	if err != nil {
		return fail(err)
	}
	id, _ := o["id"].(string)
	code, _ := o["delivery_code"].(string)

	offerID, err := r.offerFor(ctx, courier, id)
	if err != nil {
		return fail(err)
	}
	if _, err := r.expect(ctx, http.StatusOK, http.MethodPost, "/api/offers/"+offerID+"/accept", courier, nil); err != nil {
		return fail(err)
	}
	if _, err := r.expect(ctx, http.StatusOK, http.MethodPost, "/api/orders/"+id+"/transitions", courier, map[string]any{"to": "out_for_delivery"}); err != nil {
		return fail(err)
	}
	wrong := "0000"
	if code == wrong {
		wrong = "1111"
	}
	if _, err := r.expect(ctx, http.StatusUnprocessableEntity, http.MethodPost, "/api/orders/"+id+"/confirm", courier, map[string]any{"code": wrong}); err != nil {
		return fail(err)
	}
	out, err := r.expect(ctx, http.StatusOK, http.MethodPost, "/api/orders/"+id+"/confirm", courier, map[string]any{
		"code": code, "location": s.dropoff,
	})
	if err != nil {
		return fail(err)
	}
	return pass(fmt.Sprintf("attempts=%v", out["attempts"]))
}

func acceptRace(ctx context.Context, r *Runner) Result {
	s := newScenario()
	n := r.cfg.Concurrency
	couriers := make([]string, n)
	for i := range couriers {
		couriers[i] = "bench-c-" + uuid.NewString() + ":courier"
		if _, err := r.expect(ctx, http.StatusOK, http.MethodPut, "/api/couriers/me/location", couriers[i], s.pickup); err != nil {
			return fail(err)
		}
	}
	o, err := r.readyOrder(ctx, s)
	if err != nil {
		return fail(err)
	}
	id, _ := o["id"].(string)

	offers := make([]string, 0, n)
	racers := make([]string, 0, n)
	for _, c := range couriers {
		offerID, err := r.offerFor(ctx, c, id)
		if err != nil {
			continue
		}
		offers = append(offers, offerID)
		racers = append(racers, c)
	}
	if len(offers) < 2 {
		return skip(fmt.Sprintf("only %d couriers got offers; raise the server fan-out", len(offers)))
	}

	var (
		wg    sync.WaitGroup
		won   atomic.Int32
		lost  atomic.Int32
		other atomic.Int32
		start = make(chan struct{})
	)
	for i := range offers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			code, _, err := r.call(ctx, http.MethodPost, "/api/offers/"+offers[i]+"/accept", racers[i], nil)
			switch {
			case err != nil:
				other.Add(1)
			case code == http.StatusOK:
				won.Add(1)
			case code == http.StatusConflict:
				lost.Add(1)
			default:
				other.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("racers=%d won=%d lost=%d other=%d", len(offers), won.Load(), lost.Load(), other.Load())
	if won.Load() != 1 || other.Load() != 0 {
		return Result{Status: statusFail, Note: note}
	}
	return pass(note)
}

func locationLoad(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			courier := "bench-c-" + uuid.NewString() + ":courier"
			s := newScenario()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, err := r.call(ctx, http.MethodPut, "/api/couriers/me/location", courier, s.pickup)
				if err != nil || code != http.StatusOK {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
			_, _, _ = r.call(context.Background(), http.MethodDelete, "/api/couriers/me/location", courier, nil)
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return pass(fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load()))
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
