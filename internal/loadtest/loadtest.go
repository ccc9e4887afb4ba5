// Package loadtest drives concurrent optimistic mutations through one
// repository and measures how quickly they become visible locally and how
// long the remote store takes to confirm them.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/repository"
	"github.com/larderhq/larder/internal/schema"
)

// Config controls a load test run.
type Config struct {
	Workers      int
	OpsPerWorker int

	// UpdateRatio and DeleteRatio are the shares of operations that update
	// or delete a recipe the worker added earlier. The rest are adds.
	UpdateRatio float64
	DeleteRatio float64

	// Seed makes the operation mix reproducible.
	Seed int64

	// Collection the recipes are written to (default recipes).
	Collection string

	Logger *log.Logger
}

// DefaultConfig returns a moderate mixed workload.
func DefaultConfig() Config {
	return Config{
		Workers:      16,
		OpsPerWorker: 50,
		UpdateRatio:  0.3,
		DeleteRatio:  0.1,
		Seed:         42,
		Collection:   schema.CollectionRecipes,
	}
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result is the outcome of a run.
type Result struct {
	Apply  LatencyStats // time until the change was visible in the cache
	Commit LatencyStats // time until the remote store confirmed it

	Adds, Updates, Deletes int
	Committed, RolledBack  int
	Elapsed                time.Duration

	// Verified is true when a fresh Initialize read back exactly the
	// recipes the run expected to survive.
	Verified bool
	Expected int
	Found    int
}

type sample struct {
	apply  time.Duration
	commit time.Duration
	kind   repository.Kind
	ok     bool
}

// Run executes the workload against backend.
func Run(ctx context.Context, backend docstore.Backend, cfg Config) (*Result, error) {
	if cfg.Workers <= 0 || cfg.OpsPerWorker <= 0 {
		return nil, fmt.Errorf("workers and ops per worker must be positive")
	}
	if cfg.UpdateRatio < 0 || cfg.DeleteRatio < 0 || cfg.UpdateRatio+cfg.DeleteRatio > 1 {
		return nil, fmt.Errorf("update and delete ratios must be non-negative and sum to at most 1")
	}
	if cfg.Collection == "" {
		cfg.Collection = schema.CollectionRecipes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store := docstore.NewCollection[schema.Recipe](backend, cfg.Collection)
	repo := repository.New[schema.Recipe](store, repository.Options{
		Collection: cfg.Collection,
		Logger:     logger,
	})
	defer repo.Close()

	var (
		mu        sync.Mutex
		samples   []sample
		survivors = make(map[string]bool)
		wg        sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(cfg.Seed + int64(worker)))
			var owned []string
			local := make([]sample, 0, cfg.OpsPerWorker)
			alive := make(map[string]bool)

			for i := 0; i < cfg.OpsPerWorker && ctx.Err() == nil; i++ {
				roll := rng.Float64()
				var (
					m       *repository.Mutation
					kind    repository.Kind
					applied time.Duration
				)
				opStart := time.Now()
				switch {
				case len(owned) > 0 && roll < cfg.DeleteRatio:
					idx := rng.Intn(len(owned))
					uid := owned[idx]
					owned = append(owned[:idx], owned[idx+1:]...)
					m = repo.Delete(uid)
					applied = time.Since(opStart)
					kind = repository.KindDelete
					delete(alive, uid)
				case len(owned) > 0 && roll < cfg.DeleteRatio+cfg.UpdateRatio:
					uid := owned[rng.Intn(len(owned))]
					m = repo.Update(recipe(uid, worker, i))
					applied = time.Since(opStart)
					kind = repository.KindUpdate
				default:
					uid := repo.NewUID()
					m = repo.Add(recipe(uid, worker, i))
					applied = time.Since(opStart)
					kind = repository.KindAdd
					owned = append(owned, uid)
					alive[uid] = true
				}

				outcome, err := m.Wait(ctx)
				if err != nil && outcome == repository.Pending {
					break
				}
				s := sample{apply: applied, commit: time.Since(opStart), kind: kind, ok: outcome == repository.Committed}
				if !s.ok {
					// A rolled back add never existed; a rolled back delete
					// still exists.
					switch kind {
					case repository.KindAdd:
						delete(alive, m.UID())
						owned = owned[:len(owned)-1]
					case repository.KindDelete:
						alive[m.UID()] = true
						owned = append(owned, m.UID())
					}
				}
				local = append(local, s)
			}

			mu.Lock()
			samples = append(samples, local...)
			for uid := range alive {
				survivors[uid] = true
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if err := repo.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush mutations: %w", err)
	}

	result := &Result{Elapsed: time.Since(start)}
	var applies, commits []time.Duration
	for _, s := range samples {
		applies = append(applies, s.apply)
		if s.ok {
			commits = append(commits, s.commit)
			result.Committed++
		} else {
			result.RolledBack++
		}
		switch s.kind {
		case repository.KindAdd:
			result.Adds++
		case repository.KindUpdate:
			result.Updates++
		case repository.KindDelete:
			result.Deletes++
		}
	}
	result.Apply = computeLatencyStats(applies)
	result.Commit = computeLatencyStats(commits)

	uids := make([]string, 0, len(survivors))
	for uid := range survivors {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	repo.Initialize(ctx, uids, "")
	result.Expected = len(uids)
	result.Found = len(repo.Snapshot())
	result.Verified = result.Found == result.Expected
	logger.Printf("Load test finished: %d ops in %v, %d rolled back, verified=%v",
		len(samples), result.Elapsed, result.RolledBack, result.Verified)
	return result, ctx.Err()
}

func recipe(uid string, worker, op int) schema.Recipe {
	r := schema.Recipe{
		ID:   uid,
		Name: fmt.Sprintf("Recipe %d/%d", worker, op),
		Tags: []string{"loadtest", fmt.Sprintf("worker-%d", worker)},
	}
	r.SetDefaults()
	return r
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Print writes a human-readable report.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Operations: %d adds, %d updates, %d deletes in %v\n", r.Adds, r.Updates, r.Deletes, r.Elapsed)
	fmt.Fprintf(w, "Outcomes:   %d committed, %d rolled back\n", r.Committed, r.RolledBack)
	r.Apply.print(w, "Optimistic apply")
	r.Commit.print(w, "Remote commit")
	fmt.Fprintf(w, "Read back:  %d of %d expected recipes (verified=%v)\n", r.Found, r.Expected, r.Verified)
}

func (s LatencyStats) print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s latency (%d samples):\n", title, s.Count)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
