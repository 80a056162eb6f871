package timing

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/config"
	"github.com/cc-executor/cc-executor/internal/common/logger"
)

// percentileThreshold is the sample count at and above which the estimate
// switches from arithmetic mean to 90th percentile.
const percentileThreshold = 5

// Estimate is a predicted timeout budget for a fingerprint.
type Estimate struct {
	TotalS  float64
	StallS  float64
	Samples int
}

// backend stores raw duration samples per fingerprint, newest first.
type backend interface {
	samples(ctx context.Context, fingerprint string) ([]float64, error)
	append(ctx context.Context, fingerprint string, durationS float64) error
	close() error
}

// Store estimates (total, stall) budgets from historical durations. All
// backend failures are logged and swallowed: Lookup degrades to nil and
// Record to a no-op, and the engine falls back to configured defaults.
type Store struct {
	backend       backend
	stallFraction float64
	minStallS     float64
	maxStallS     float64
	logger        *logger.Logger
}

// New creates a Store. A Redis backend is used when cfg.DSN is set; otherwise
// history lives in memory only. A bad DSN is a startup error; a reachable-at-
// startup-but-flaky Redis degrades silently at runtime.
func New(cfg config.TimingConfig, stallFraction float64, log *logger.Logger) (*Store, error) {
	var (
		b   backend
		err error
	)
	if cfg.DSN != "" {
		b, err = newRedisBackend(cfg, log)
		if err != nil {
			return nil, err
		}
	} else {
		b = newMemoryBackend(cfg)
	}
	return &Store{
		backend:       b,
		stallFraction: stallFraction,
		minStallS:     cfg.MinStallS,
		maxStallS:     cfg.MaxStallS,
		logger:        log.WithFields(zap.String("component", "timing-store")),
	}, nil
}

// Lookup returns the estimate for a fingerprint, or nil when there is no
// history or the backing store is unreachable.
func (s *Store) Lookup(ctx context.Context, fingerprint string) *Estimate {
	samples, err := s.backend.samples(ctx, fingerprint)
	if err != nil {
		s.logger.Warn("timing lookup failed, using defaults",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return nil
	}
	total, ok := predict(samples)
	if !ok {
		return nil
	}
	return &Estimate{
		TotalS:  total,
		StallS:  clamp(s.stallFraction*total, s.minStallS, s.maxStallS),
		Samples: len(samples),
	}
}

// Record appends a duration sample. Failures are logged, never propagated.
func (s *Store) Record(ctx context.Context, fingerprint string, durationS float64) {
	if durationS < 0 {
		return
	}
	if err := s.backend.append(ctx, fingerprint, durationS); err != nil {
		s.logger.Warn("timing record failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
	}
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.close()
}

// predict returns the 90th percentile when at least percentileThreshold
// samples exist, the arithmetic mean below that, and no estimate for an empty
// history.
func predict(samples []float64) (float64, bool) {
	n := len(samples)
	if n == 0 {
		return 0, false
	}
	if n < percentileThreshold {
		var sum float64
		for _, v := range samples {
			sum += v
		}
		return sum / float64(n), true
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)
	// Nearest-rank 90th percentile.
	idx := (n*9 + 9) / 10
	if idx > n {
		idx = n
	}
	return sorted[idx-1], true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
