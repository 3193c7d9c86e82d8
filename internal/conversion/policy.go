package conversion

import (
	"context"
	"math"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
)

const (
	defaultMaxAttempts = 2
	defaultBackoff     = 250 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// Degradation lowers conversion settings for a retry. Zero fields keep the previous value;
// settings are only ever lowered.
type Degradation struct {
	DPI     int
	Quality int
}

// Policy is the declarative retry plan: the primary options followed by each degradation
// in order, capped at MaxAttempts.
type Policy struct {
	Degradations []Degradation
	MaxAttempts  int
	Backoff      time.Duration
	MaxBackoff   time.Duration
}

// DefaultPolicy retries once at 150 DPI, quality 70.
func DefaultPolicy() Policy {
	return Policy{
		Degradations: []Degradation{{DPI: 150, Quality: 70}},
		MaxAttempts:  defaultMaxAttempts,
		Backoff:      defaultBackoff,
		MaxBackoff:   defaultMaxBackoff,
	}
}

// Plan lists the option sets to try in order. Degradations that would not change the
// previous options are skipped.
func (p Policy) Plan(primary domain.ConversionOptions) []domain.ConversionOptions {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	plan := []domain.ConversionOptions{primary}
	prev := primary
	for _, d := range p.Degradations {
		if len(plan) >= maxAttempts {
			break
		}
		next := d.apply(prev)
		if next == prev {
			continue
		}
		plan = append(plan, next)
		prev = next
	}
	return plan
}

func (d Degradation) apply(o domain.ConversionOptions) domain.ConversionOptions {
	if d.DPI > 0 && d.DPI < o.DPI {
		o.DPI = d.DPI
	}
	if d.Quality > 0 && d.Quality < o.Quality {
		o.Quality = d.Quality
	}
	return o
}

// Retryable reports whether a failure of kind is worth another attempt. Encryption does
// not change with lower settings.
func (p Policy) Retryable(kind domain.ErrorKind) bool {
	return kind != domain.ErrorKindEncrypted
}

// BackoffFor returns the wait before retry number attempt (0-based).
func (p Policy) BackoffFor(attempt int) time.Duration {
	initial := p.Backoff
	if initial <= 0 {
		initial = defaultBackoff
	}
	ceiling := p.MaxBackoff
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}

	// Exponential backoff: initial * 2^attempt
	backoff := float64(initial) * math.Pow(2, float64(attempt))
	if backoff > float64(ceiling) {
		backoff = float64(ceiling)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
