// Benchmark tool for load-testing leaddesk order fulfillment.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -leads 5000 -orders 200
//
// This tool:
//   1. Seeds synthetic filler leads with repeated phone patterns
//   2. Fires concurrent POST /orders requests of mixed sizes
//   3. Checks that no lead was assigned to two orders and that every order
//      honours the phone-pattern caps of its tier
//   4. Reports latency, throughput and fill rate
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/leadgen"
	"github.com/opensource-finance/leaddesk/internal/selection"
)

// OrderRequest is the leaddesk POST /orders body
type OrderRequest struct {
	Filler  int                 `json:"filler"`
	Filters domain.OrderFilters `json:"filters"`
}

// OrderResponse is the leaddesk POST /orders response
type OrderResponse struct {
	Success bool                `json:"success"`
	Order   *domain.Order       `json:"order"`
	Message string              `json:"message"`
	Results []domain.TypeResult `json:"results"`
}

// Metrics tracks benchmark results
type Metrics struct {
	Orders    int64
	Errors    int64
	Requested int64
	Fulfilled int64

	ProcessingTimeMs int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "leaddesk base URL")
	user := flag.String("user", "benchmark", "X-User-ID for requests")
	numLeads := flag.Int("leads", 5000, "filler leads to seed before ordering (0 = skip seeding)")
	patternPool := flag.Int("patterns", 400, "distinct phone patterns among seeded leads")
	numOrders := flag.Int("orders", 200, "orders to create")
	maxSize := flag.Int("max-size", 60, "largest filler count per order")
	workers := flag.Int("workers", 10, "number of concurrent workers")
	seed := flag.Uint64("seed", 1, "random seed for leads and order sizes")
	verbose := flag.Bool("verbose", false, "print each order result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            LEADDESK BENCHMARK - Order Fulfillment             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nleaddesk URL: %s\n", *baseURL)
	fmt.Printf("Leads:        %d (%d patterns)\n", *numLeads, *patternPool)
	fmt.Printf("Orders:       %d (1..%d filler each)\n", *numOrders, *maxSize)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: leaddesk not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure leaddesk is running:")
		fmt.Println("  go run ./cmd/leaddesk serve")
		os.Exit(1)
	}
	fmt.Println("✓ leaddesk is healthy")

	client := &http.Client{Timeout: 30 * time.Second}

	if *numLeads > 0 {
		leads := leadgen.Generate(leadgen.Options{
			Count:       *numLeads,
			LeadType:    domain.LeadTypeFiller,
			PatternPool: *patternPool,
			Seed:        *seed,
		})
		if err := seedLeads(client, *baseURL, *user, leads); err != nil {
			fmt.Printf("ERROR: Failed to seed leads: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Seeded %d filler leads\n", len(leads))
	}

	rng := rand.New(rand.NewPCG(*seed, *seed+1))
	sizes := make([]int, *numOrders)
	for i := range sizes {
		sizes[i] = 1 + rng.IntN(*maxSize)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics, orders := runBenchmark(client, sizes, *baseURL, *user, *workers, *verbose)
	duration := time.Since(startTime)

	violations := checkInvariants(orders, selection.FillerPolicy())
	printResults(metrics, duration, violations)

	if len(violations) > 0 {
		os.Exit(2)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func seedLeads(client *http.Client, baseURL, user string, leads []*domain.Lead) error {
	const batch = 500
	for from := 0; from < len(leads); from += batch {
		to := min(from+batch, len(leads))
		body, err := json.Marshal(leads[from:to])
		if err != nil {
			return err
		}
		resp, err := post(client, baseURL+"/leads", user, body)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	return nil
}

// placedOrder pairs an order with the phone of every lead it received.
type placedOrder struct {
	Requested int
	Order     *domain.Order
	Phones    map[string]string
}

func runBenchmark(client *http.Client, sizes []int, baseURL, user string, numWorkers int, verbose bool) (*Metrics, []placedOrder) {
	metrics := &Metrics{}

	var mu sync.Mutex
	var orders []placedOrder

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for n := range work {
				start := time.Now()
				result, err := createOrder(client, baseURL, user, n)
				elapsed := time.Since(start)

				metrics.observe(elapsed)
				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed.Milliseconds())
				atomic.AddInt64(&metrics.Orders, 1)
				atomic.AddInt64(&metrics.Requested, int64(n))

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: filler=%d -> %v\n", n, err)
					}
					continue
				}
				atomic.AddInt64(&metrics.Fulfilled, int64(result.Order.Fulfilled[domain.LeadTypeFiller]))

				phones, err := leadPhones(client, baseURL, user, result.Order.ID)
				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					continue
				}

				mu.Lock()
				orders = append(orders, placedOrder{Requested: n, Order: result.Order, Phones: phones})
				mu.Unlock()

				if verbose {
					fmt.Printf("✓ %s | %-9s | %s\n", result.Order.ID[:8], result.Order.Status, result.Message)
				}
			}
		}()
	}

	for _, n := range sizes {
		work <- n
	}
	close(work)
	wg.Wait()

	return metrics, orders
}

func createOrder(client *http.Client, baseURL, user string, n int) (*OrderResponse, error) {
	body, err := json.Marshal(OrderRequest{Filler: n})
	if err != nil {
		return nil, err
	}

	resp, err := post(client, baseURL+"/orders", user, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result OrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Order == nil {
		return nil, fmt.Errorf("response without order")
	}
	return &result, nil
}

func leadPhones(client *http.Client, baseURL, user, orderID string) (map[string]string, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/leads?limit=1000&orderId="+orderID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", user)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Leads []*domain.Lead `json:"leads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	phones := make(map[string]string, len(body.Leads))
	for _, l := range body.Leads {
		phones[l.ID] = l.NewPhone
	}
	return phones, nil
}

func post(client *http.Client, url, user string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	return client.Do(req)
}

// checkInvariants returns one line per broken guarantee.
func checkInvariants(orders []placedOrder, policy *selection.Policy) []string {
	var violations []string
	owner := make(map[string]string)

	for _, po := range orders {
		if len(po.Order.Leads) > po.Requested {
			violations = append(violations, fmt.Sprintf("order %s: %d leads for %d requested", po.Order.ID, len(po.Order.Leads), po.Requested))
		}

		for _, id := range po.Order.Leads {
			if prev, ok := owner[id]; ok {
				violations = append(violations, fmt.Sprintf("lead %s assigned to %s and %s", id, prev, po.Order.ID))
			}
			owner[id] = po.Order.ID
		}

		_, tier := policy.TierFor(po.Requested)
		counts := make(map[string]int)
		for _, id := range po.Order.Leads {
			counts[selection.PhonePattern(po.Phones[id])]++
		}
		paired := 0
		for pattern, c := range counts {
			if tier.MaxPerPattern > 0 && c > tier.MaxPerPattern {
				violations = append(violations, fmt.Sprintf("order %s: pattern %q used %d times", po.Order.ID, pattern, c))
			}
			if c >= 2 {
				paired++
			}
		}
		if tier.MaxPairedPatterns > 0 && paired > tier.MaxPairedPatterns {
			violations = append(violations, fmt.Sprintf("order %s: %d paired patterns", po.Order.ID, paired))
		}
	}
	return violations
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration, violations []string) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 ORDERS\n")
	fmt.Printf("   Created:    %d\n", m.Orders-m.Errors)
	fmt.Printf("   Errors:     %d\n", m.Errors)
	fmt.Printf("   Requested:  %d leads\n", m.Requested)
	fmt.Printf("   Fulfilled:  %d leads\n", m.Fulfilled)
	if m.Requested > 0 {
		fmt.Printf("   Fill Rate:  %.2f%%\n", 100*float64(m.Fulfilled)/float64(m.Requested))
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Orders > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.Orders))
		fmt.Printf("   p50 / p95 / p99:  %v / %v / %v\n",
			percentile(m.latencies, 0.50).Round(time.Millisecond),
			percentile(m.latencies, 0.95).Round(time.Millisecond),
			percentile(m.latencies, 0.99).Round(time.Millisecond),
		)
		fmt.Printf("   Throughput:       %.2f orders/sec\n", float64(m.Orders)/duration.Seconds())
	}

	fmt.Printf("\n🔍 INVARIANTS\n")
	if len(violations) == 0 {
		fmt.Println("   ✅ No lead assigned twice, all pattern caps honoured")
	} else {
		fmt.Printf("   ❌ %d violations\n", len(violations))
		for i, v := range violations {
			if i == 20 {
				fmt.Printf("   ... and %d more\n", len(violations)-20)
				break
			}
			fmt.Printf("   - %s\n", v)
		}
	}
	fmt.Println()
}
