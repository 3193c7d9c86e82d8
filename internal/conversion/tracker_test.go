package conversion

import (
	"testing"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(buffer int, pub domain.Publisher) *Tracker {
	return newTracker("s1", "d1", pub, buffer, time.Now, observability.Nop())
}

func TestTracker_RejectsBackwardsStages(t *testing.T) {
	tr := newTestTracker(8, nil)

	assert.True(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageStarting}))
	assert.True(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageConverting, Percent: 40}))
	assert.False(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageStarting}))
	assert.True(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageConverting, Percent: 20}))
	assert.True(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageStoring, Percent: 90}))
	assert.False(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageStoring, Percent: 95}))
	assert.True(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageComplete}))
	assert.False(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageError}))

	history := tr.History()
	require.Len(t, history, 5)
	assert.Equal(t, 40, history[2].Percent, "percent never decreases")
	assert.Equal(t, 100, history[4].Percent)
	for _, ev := range history {
		assert.Equal(t, "d1", ev.DocumentID)
		assert.Equal(t, "s1", ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestTracker_ConvertingStaysInsideBounds(t *testing.T) {
	tr := newTestTracker(8, nil)
	tr.Emit(domain.ProgressEvent{Stage: domain.StageConverting, Percent: 0})
	tr.Emit(domain.ProgressEvent{Stage: domain.StageConverting, Percent: 100})

	h := tr.History()
	assert.Equal(t, 1, h[0].Percent)
	assert.Equal(t, 99, h[1].Percent)
}

func TestTracker_SubscribeReplaysHistory(t *testing.T) {
	tr := newTestTracker(8, nil)
	tr.Emit(domain.ProgressEvent{Stage: domain.StageStarting})
	tr.Emit(domain.ProgressEvent{Stage: domain.StageConverting, Percent: 50})

	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.Emit(domain.ProgressEvent{Stage: domain.StageComplete})

	var stages []domain.ProgressStage
	for ev := range ch {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []domain.ProgressStage{domain.StageStarting, domain.StageConverting, domain.StageComplete}, stages)

	late, _ := tr.Subscribe()
	count := 0
	for range late {
		count++
	}
	assert.Equal(t, 3, count, "late subscribers get the full history and a closed channel")
}

func TestTracker_SlowSubscriberStillSeesTerminalEvent(t *testing.T) {
	tr := newTestTracker(2, nil)
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.Emit(domain.ProgressEvent{Stage: domain.StageStarting})
	for p := 10; p < 90; p += 10 {
		tr.Emit(domain.ProgressEvent{Stage: domain.StageConverting, Percent: p})
	}
	tr.Emit(domain.ProgressEvent{Stage: domain.StageError, Message: "boom", ErrorKind: domain.ErrorKindTool})

	var last domain.ProgressEvent
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, domain.StageError, last.Stage)
	assert.Equal(t, domain.ErrorKindTool, last.ErrorKind)
}

func TestTracker_CancelDetaches(t *testing.T) {
	tr := newTestTracker(8, nil)
	ch, cancel := tr.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.True(t, tr.Emit(domain.ProgressEvent{Stage: domain.StageStarting}))
}

func TestTracker_PublishesEventTypes(t *testing.T) {
	pub := &recordingPublisher{}
	tr := newTestTracker(8, pub)

	tr.Emit(domain.ProgressEvent{Stage: domain.StageStarting})
	tr.Emit(domain.ProgressEvent{Stage: domain.StageConverting, Percent: 10})
	tr.Emit(domain.ProgressEvent{Stage: domain.StageError})

	assert.Equal(t, []string{
		domain.EventConversionProgress,
		domain.EventConversionProgress,
		domain.EventConversionError,
	}, pub.Types())
}

func TestConvertingPercent(t *testing.T) {
	assert.Equal(t, 5, convertingPercent(0, 10))
	assert.Equal(t, 45, convertingPercent(5, 10))
	assert.Equal(t, 85, convertingPercent(10, 10))
	assert.Equal(t, 5, convertingPercent(3, 0))
}
