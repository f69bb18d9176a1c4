package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gunshikin/kanri/internal/collection"
	"github.com/gunshikin/kanri/internal/events"
	"github.com/gunshikin/kanri/internal/records"
	"github.com/gunshikin/kanri/internal/todo"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumOperations  int
	Concurrency    int
	StoreLatency   time.Duration
	FailureRate    float64
	Timeout        time.Duration
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalOperations     uint64
	Confirmed           uint64
	Failed              uint64
	Retried             uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	numOps := flag.Int("ops", 1000, "Number of optimistic creates to issue")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	latency := flag.Duration("latency", 20*time.Millisecond, "Simulated Record Store latency (jittered ±50%)")
	failureRate := flag.Float64("failure-rate", 0.05, "Fraction of store writes that fail")
	timeout := flag.Duration("timeout", 10*time.Second, "Optimistic operation timeout")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		NumOperations:  *numOps,
		Concurrency:    *concurrency,
		StoreLatency:   *latency,
		FailureRate:    *failureRate,
		Timeout:        *timeout,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting optimistic write load test",
		"operations", config.NumOperations,
		"concurrency", config.Concurrency,
		"store_latency", config.StoreLatency,
		"failure_rate", config.FailureRate)
	stats := runLoadTest(config)

	printResults(stats)
}

// flakyStore delays every write and fails a fraction of them.
type flakyStore struct {
	*records.MemoryStore[todo.Todo]
	latency     time.Duration
	failureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

var errInjected = errors.New("injected store failure")

func (s *flakyStore) roll() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jitter := time.Duration(0)
	if s.latency > 0 {
		jitter = time.Duration(s.rng.Int63n(int64(s.latency))) - s.latency/2
	}
	return s.latency + jitter, s.rng.Float64() < s.failureRate
}

func (s *flakyStore) Create(ctx context.Context, t todo.Todo) (todo.Todo, error) {
	delay, fail := s.roll()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return todo.Todo{}, ctx.Err()
	}
	if fail {
		return todo.Todo{}, errInjected
	}
	return s.MemoryStore.Create(ctx, t)
}

// outcome is the resolution of one operation as seen on the bus.
type outcome struct {
	opID   string
	failed bool
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	store := &flakyStore{
		MemoryStore: records.NewMemoryStore[todo.Todo](),
		latency:     config.StoreLatency,
		failureRate: config.FailureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	bus := events.NewLocalBus()
	defer bus.Close()

	todos := collection.New[todo.Todo](store, collection.Options{
		Name:    "todos",
		Timeout: config.Timeout,
		Bus:     bus,
	})
	defer todos.Close()

	// Waiters are keyed by entity id, which is known before the write starts.
	var waiters sync.Map
	resolve := func(failed bool) events.Handler {
		return func(ctx context.Context, e *events.Event) error {
			if ch, ok := waiters.Load(e.EntityID); ok {
				select {
				case ch.(chan outcome) <- outcome{opID: e.OperationID, failed: failed}:
				default:
				}
			}
			return nil
		}
	}
	defer bus.Subscribe(events.EventRecordChanged, resolve(false))()
	defer bus.Subscribe(events.EventOperationFailed, resolve(true))()

	stats := &LoadTestStats{
		MinLatency: time.Hour,
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	opChan := make(chan int, config.NumOperations)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for n := range opChan {
				processOperation(todos, &waiters, config.Timeout, workerID, n, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumOperations; i++ {
		opChan <- i
	}
	close(opChan)

	wg.Wait()
	todos.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalOperations) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// processOperation creates one todo and waits for it to resolve. A failed
// create is retried once, the way a user taps "retry" on the PWA.
func processOperation(
	todos *collection.Collection[todo.Todo],
	waiters *sync.Map,
	timeout time.Duration,
	workerID, n int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	id := uuid.New().String()
	ch := make(chan outcome, 1)
	waiters.Store(id, ch)
	defer waiters.Delete(id)

	start := time.Now()
	opID, _, err := todos.Create(todo.Todo{
		ID:       id,
		Title:    fmt.Sprintf("load %d from worker %d", n, workerID),
		Priority: todo.PriorityMedium,
		Status:   todo.StatusPending,
	})
	atomic.AddUint64(&stats.TotalOperations, 1)
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		return
	}

	confirmed := false
	for attempt := 0; attempt < 2; attempt++ {
		var res outcome
		select {
		case res = <-ch:
		case <-time.After(timeout + time.Second):
			res = outcome{opID: opID, failed: true}
		}
		if !res.failed {
			confirmed = true
			break
		}
		if attempt == 0 {
			if err := todos.Retry(opID); err != nil {
				break
			}
			atomic.AddUint64(&stats.Retried, 1)
		}
	}
	latency := time.Since(start)

	if confirmed {
		atomic.AddUint64(&stats.Confirmed, 1)
	} else {
		atomic.AddUint64(&stats.Failed, 1)
		_ = todos.Discard(opID)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("Progress",
				"total", atomic.LoadUint64(&stats.TotalOperations),
				"confirmed", atomic.LoadUint64(&stats.Confirmed),
				"failed", atomic.LoadUint64(&stats.Failed),
				"retried", atomic.LoadUint64(&stats.Retried))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"
	pct := func(n uint64) float64 {
		if stats.TotalOperations == 0 {
			return 0
		}
		return float64(n) / float64(stats.TotalOperations) * 100
	}

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Operations:       %d\n", stats.TotalOperations)
	fmt.Printf("Confirmed:              %d (%.2f%%)\n", stats.Confirmed, pct(stats.Confirmed))
	fmt.Printf("Failed after retry:     %d (%.2f%%)\n", stats.Failed, pct(stats.Failed))
	fmt.Printf("Retried:                %d\n", stats.Retried)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f ops/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if rate := pct(stats.Confirmed); rate >= 99 {
		fmt.Println("✅ PASS: Confirmation rate meets target (>99% after one retry)")
	} else {
		fmt.Printf("❌ FAIL: Confirmation rate %.2f%% below target (99%%)\n", rate)
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

// calculatePercentile expects sorted latencies.
func calculatePercentile(sorted []time.Duration, percentile int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
