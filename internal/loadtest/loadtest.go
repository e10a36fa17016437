// Package loadtest exercises the catalog the way a busy transfer does:
// several workers upserting analyses while others check for existing rows.
//
// It is used by `dvcsync catalog bench` and by the catalog concurrency
// tests to confirm that the busy timeout and transaction retry keep every
// writer succeeding under contention.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nmgrl/dvcsync/internal/catalog"
)

// Fixture is a catalog seeded with positions ready to receive analyses
type Fixture struct {
	DB          *catalog.DB
	Identifiers []string
	Repository  string
}

// LatencyStats captures per-operation timings from one run
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Elapsed    time.Duration
	Durations  []time.Duration `json:"-"`
}

// Throughput returns operations per second over the wall-clock run
func (s *LatencyStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Operations) / s.Elapsed.Seconds()
}

// Seed creates the lineage for n identifiers spread over a few levels of a
// synthetic irradiation.
func Seed(ctx context.Context, db *catalog.DB, n int) (*Fixture, error) {
	if n < 1 {
		return nil, fmt.Errorf("need at least one identifier, got %d", n)
	}

	levels := []string{"A", "B", "C", "D"}
	f := &Fixture{DB: db, Repository: "LoadTest", Identifiers: make([]string, 0, n)}

	for i := 0; i < n; i++ {
		identifier := fmt.Sprintf("9%05d", i)
		_, err := db.EnsureLineage(ctx, catalog.Lineage{
			Material:    "sanidine",
			Grainsize:   "20-40",
			Project:     "LoadTest",
			Sample:      fmt.Sprintf("LT-%03d", i/10),
			Irradiation: "NM-LT",
			Level:       levels[i%len(levels)],
			Holder:      "24Spokes",
			Identifier:  identifier,
			J:           0.001,
			JErr:        1e-6,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", identifier, err)
		}
		f.Identifiers = append(f.Identifiers, identifier)
	}

	return f, nil
}

// analysis builds the row one worker writes for step j
func (f *Fixture) analysis(worker, j int, rng *rand.Rand) *catalog.Analysis {
	identifier := f.Identifiers[rng.Intn(len(f.Identifiers))]
	return &catalog.Analysis{
		UUID:             fmt.Sprintf("lt-%03d-%05d", worker, j),
		Identifier:       identifier,
		Aliquot:          worker*10000 + j,
		Increment:        -1,
		AnalysisType:     "unknown",
		Timestamp:        time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(j) * time.Minute),
		MassSpectrometer: []string{"jan", "obama", "felix"}[worker%3],
		Username:         "loadtest",
		Repository:       f.Repository,
	}
}

// RunConcurrentWriters starts workers goroutines that each upsert perWorker
// analyses, timing every call. Workers keep going past individual
// failures so the error count reflects the whole run.
func (f *Fixture) RunConcurrentWriters(ctx context.Context, workers, perWorker int) (*LatencyStats, error) {
	return f.run(ctx, workers, perWorker, func(ctx context.Context, worker, j int, rng *rand.Rand) error {
		_, err := f.DB.UpsertAnalysis(ctx, f.analysis(worker, j, rng))
		return err
	})
}

// RunMixed splits workers between writers and readers calling
// AnalysisExists, the check every transfer makes before writing.
func (f *Fixture) RunMixed(ctx context.Context, workers, perWorker int) (*LatencyStats, error) {
	return f.run(ctx, workers, perWorker, func(ctx context.Context, worker, j int, rng *rand.Rand) error {
		if worker%2 == 0 {
			_, err := f.DB.UpsertAnalysis(ctx, f.analysis(worker, j, rng))
			return err
		}
		identifier := f.Identifiers[rng.Intn(len(f.Identifiers))]
		_, err := f.DB.AnalysisExists(ctx, identifier, rng.Intn(perWorker+1), -1)
		return err
	})
}

type opFunc func(ctx context.Context, worker, j int, rng *rand.Rand) error

func (f *Fixture) run(ctx context.Context, workers, perWorker int, op opFunc) (*LatencyStats, error) {
	if workers < 1 || perWorker < 1 {
		return nil, fmt.Errorf("workers and operations per worker must be positive")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		all    = make([]time.Duration, 0, workers*perWorker)
		errors int
	)

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			// Deterministic per worker so runs are comparable
			rng := rand.New(rand.NewSource(int64(42 + worker)))
			durations := make([]time.Duration, 0, perWorker)
			failed := 0

			for j := 0; j < perWorker; j++ {
				if ctx.Err() != nil {
					break
				}
				t0 := time.Now()
				err := op(ctx, worker, j, rng)
				durations = append(durations, time.Since(t0))
				if err != nil {
					failed++
				}
			}

			mu.Lock()
			all = append(all, durations...)
			errors += failed
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no operations completed: %w", ctx.Err())
	}

	stats := computeLatencyStats(all)
	stats.Errors = errors
	stats.Elapsed = time.Since(start)
	return stats, nil
}

// computeLatencyStats calculates statistics from a slice of durations
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
		Durations:  sorted,
	}
}

// Fprint writes the statistics block
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
	fmt.Fprintf(w, "  Throughput:    %.1f ops/s\n", s.Throughput())
}
