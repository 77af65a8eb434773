package reach

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/newtlife/pkg/util"
)

// Scanner probes many addresses with a bounded number in flight.
type Scanner struct {
	Prober Prober

	// MaxConcurrency bounds in-flight probes (default 10).
	MaxConcurrency int

	// ProbeTimeout bounds each probe independently (default 5s).
	ProbeTimeout time.Duration

	// Attempts is how many times a failed probe is tried before the
	// address is counted as unreachable (default 2).
	Attempts int

	// RetryDelay is the pause between attempts (default 1s).
	RetryDelay time.Duration

	// OnResult, when set, is called as each address finishes. It may be
	// called from several goroutines at once.
	OnResult func(address string, state State, err error)
}

// ScanResult is the outcome of a fleet scan.
type ScanResult struct {
	Reachable   []string
	Unreachable int
	// Failed holds addresses whose probes never produced a state.
	Failed  map[string]error
	Elapsed time.Duration
}

// Scan probes every address and returns the reachable subset, sorted, plus
// a count of the rest. A context cancellation stops scheduling new probes;
// addresses never probed count as unreachable.
func (s *Scanner) Scan(ctx context.Context, addresses []string) *ScanResult {
	limit := s.MaxConcurrency
	if limit <= 0 {
		limit = 10
	}
	probeTimeout := s.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	retryDelay := s.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	start := time.Now()
	res := &ScanResult{Failed: make(map[string]error)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, limit)

	record := func(address string, state State, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			res.Failed[address] = err
			res.Unreachable++
		case state == Up:
			res.Reachable = append(res.Reachable, address)
		default:
			res.Unreachable++
		}
	}

	for _, address := range addresses {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			record(address, Unknown, ctx.Err())
			continue
		}

		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			defer func() { <-sem }()

			var (
				state State
				err   error
			)
			for attempt := 1; attempt <= attempts; attempt++ {
				state, err = probeOnce(ctx, s.Prober, address, probeTimeout)
				if err == nil || ctx.Err() != nil {
					break
				}
				util.WithDevice(address).Debugf("probe attempt %d failed: %v", attempt, err)
				if attempt < attempts {
					select {
					case <-time.After(retryDelay):
					case <-ctx.Done():
					}
				}
			}
			record(address, state, err)
			if s.OnResult != nil {
				s.OnResult(address, state, err)
			}
		}(address)
	}
	wg.Wait()

	sort.Slice(res.Reachable, func(i, j int) bool {
		return lessAddr(res.Reachable[i], res.Reachable[j])
	})
	res.Elapsed = time.Since(start)
	return res
}
