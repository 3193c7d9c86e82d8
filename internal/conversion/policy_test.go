package conversion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Plan(t *testing.T) {
	primary := domain.ConversionOptions{DPI: 200, Format: domain.FormatJPEG, Quality: 85}

	plan := DefaultPolicy().Plan(primary)
	require.Len(t, plan, 2)
	assert.Equal(t, primary, plan[0])
	assert.Equal(t, domain.ConversionOptions{DPI: 150, Format: domain.FormatJPEG, Quality: 70}, plan[1])

	t.Run("single attempt", func(t *testing.T) {
		p := DefaultPolicy()
		p.MaxAttempts = 1
		assert.Len(t, p.Plan(primary), 1)
	})

	t.Run("degradation never raises settings", func(t *testing.T) {
		low := domain.ConversionOptions{DPI: 100, Format: domain.FormatPNG, Quality: 60}
		plan := DefaultPolicy().Plan(low)
		assert.Equal(t, []domain.ConversionOptions{low}, plan, "a no-op fallback is skipped")
	})

	t.Run("chained degradations", func(t *testing.T) {
		p := Policy{
			Degradations: []Degradation{{DPI: 150}, {Quality: 50}, {DPI: 72}},
			MaxAttempts:  3,
		}
		plan := p.Plan(primary)
		require.Len(t, plan, 3)
		assert.Equal(t, 150, plan[1].DPI)
		assert.Equal(t, 85, plan[1].Quality)
		assert.Equal(t, 150, plan[2].DPI)
		assert.Equal(t, 50, plan[2].Quality)
	})
}

func TestPolicy_BackoffFor(t *testing.T) {
	p := Policy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.BackoffFor(0))
	assert.Equal(t, 200*time.Millisecond, p.BackoffFor(1))
	assert.Equal(t, 400*time.Millisecond, p.BackoffFor(2))
	assert.Equal(t, time.Second, p.BackoffFor(10))

	assert.Equal(t, defaultBackoff, Policy{}.BackoffFor(0))
}

func TestPolicy_Retryable(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Retryable(domain.ErrorKindEncrypted))
	assert.True(t, p.Retryable(domain.ErrorKindTool))
	assert.True(t, p.Retryable(domain.ErrorKindMemory))
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), 0))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"password", errors.New("document requires a password"), domain.ErrorKindEncrypted},
		{"encrypted", errors.New("cannot open encrypted stream"), domain.ErrorKindEncrypted},
		{"deadline", fmt.Errorf("render: %w", context.DeadlineExceeded), domain.ErrorKindTimeout},
		{"timed out", errors.New("operation timed out"), domain.ErrorKindTimeout},
		{"memory", errors.New("malloc of 512MB failed"), domain.ErrorKindMemory},
		{"xref", errors.New("cannot find startxref"), domain.ErrorKindCorrupt},
		{"damaged", errors.New("file is damaged"), domain.ErrorKindCorrupt},
		{"validation error", domain.ValidationError("bad header", nil), domain.ErrorKindCorrupt},
		{"mupdf", errors.New("mupdf: something odd"), domain.ErrorKindTool},
		{"conversion error", domain.ConversionError("pipeline stalled", nil), domain.ErrorKindTool},
		{"unknown", errors.New("the moon is in the wrong phase"), domain.ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, Suggestion(tt.want), got.Suggestion)
			assert.NotEmpty(t, got.Message)
		})
	}

	assert.Equal(t, domain.ErrorKindUnknown, Categorize(nil).Kind)
}
