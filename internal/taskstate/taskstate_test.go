package taskstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artstudio/pipeline/internal/model"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestIsStale(t *testing.T) {
	tests := []struct {
		name      string
		status    model.TaskStatus
		startedAt *time.Time
		want      bool
	}{
		{"in progress for 11 minutes", model.StatusInProgress, ago(11 * time.Minute), true},
		{"in progress for 9 minutes", model.StatusInProgress, ago(9 * time.Minute), false},
		{"exactly at threshold", model.StatusInProgress, ago(10 * time.Minute), false},
		{"in progress without start", model.StatusInProgress, nil, true},
		{"wanted is never stale", model.StatusWanted, ago(time.Hour), false},
		{"completed is never stale", model.StatusCompleted, ago(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStale(tt.status, tt.startedAt, now, DefaultStaleAfter))
		})
	}
}

func TestDecide(t *testing.T) {
	m := New(DefaultStaleAfter, DefaultMaxAttempts)
	tests := []struct {
		name string
		rec  model.TaskRecord
		want Action
	}{
		{"absent", model.TaskRecord{Status: model.StatusAbsent}, ActionNone},
		{"wanted", model.TaskRecord{Status: model.StatusWanted}, ActionSubmit},
		{"polling live handle", model.TaskRecord{Status: model.StatusInProgress, StartedAt: ago(2 * time.Minute), PredictionURL: "http://x/p/1"}, ActionPoll},
		{"stale despite handle", model.TaskRecord{Status: model.StatusInProgress, StartedAt: ago(11 * time.Minute), PredictionURL: "http://x/p/1"}, ActionRequeue},
		{"another run submitting", model.TaskRecord{Status: model.StatusInProgress, StartedAt: ago(time.Minute)}, ActionWait},
		{"lease expired early", model.TaskRecord{Status: model.StatusInProgress, StartedAt: ago(2 * time.Minute), LeaseOwner: "run-1", LeaseExpiresAt: ago(time.Second), PredictionURL: "http://x/p/1"}, ActionRequeue},
		{"lease outlives started_at", model.TaskRecord{Status: model.StatusInProgress, StartedAt: ago(11 * time.Minute), LeaseOwner: "run-1", LeaseExpiresAt: ago(-time.Minute), PredictionURL: "http://x/p/1"}, ActionPoll},
		{"lease held while submitting", model.TaskRecord{Status: model.StatusInProgress, StartedAt: ago(time.Minute), LeaseOwner: "run-1", LeaseExpiresAt: ago(-9 * time.Minute)}, ActionWait},
		{"completed", model.TaskRecord{Status: model.StatusCompleted}, ActionNone},
		{"error", model.TaskRecord{Status: model.StatusError}, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Decide(tt.rec, now))
		})
	}
	assert.True(t, ActionRequeue.Due())
	assert.False(t, ActionWait.Due())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(model.StatusAbsent, model.StatusWanted))
	assert.True(t, CanTransition(model.StatusInProgress, model.StatusWanted))
	assert.True(t, CanTransition(model.StatusError, model.StatusWanted))
	assert.False(t, CanTransition(model.StatusAbsent, model.StatusInProgress))
	assert.False(t, CanTransition(model.StatusError, model.StatusCompleted))
	assert.False(t, CanTransition(model.StatusCompleted, model.StatusInProgress))
}

func TestEnqueue(t *testing.T) {
	m := New(0, 0)

	patch, err := m.Enqueue("form_fill", model.TaskRecord{Status: model.StatusAbsent})
	require.NoError(t, err)
	assert.Equal(t, "wanted", patch["form_fill.status"])
	assert.Nil(t, patch["form_fill.started_at"])
	assert.Contains(t, patch, "form_fill.started_at")

	patch, err = m.Enqueue("form_fill", model.TaskRecord{Status: model.StatusInProgress})
	require.NoError(t, err)
	assert.Nil(t, patch)

	_, err = m.Enqueue("form_fill", model.TaskRecord{Status: model.StatusError})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	patch, err = m.Reset("form_fill", model.TaskRecord{Status: model.StatusError, Attempts: 5})
	require.NoError(t, err)
	assert.Equal(t, "wanted", patch["form_fill.status"])
	assert.Equal(t, 0, patch["form_fill.attempts"])
}

func TestStart(t *testing.T) {
	m := New(DefaultStaleAfter, 3)

	patch, err := m.Start("corner_detection", model.TaskRecord{Status: model.StatusWanted, Attempts: 1}, "run-1", now)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", patch["corner_detection.status"])
	assert.Equal(t, model.FormatTime(now), patch["corner_detection.started_at"])
	assert.Equal(t, 2, patch["corner_detection.attempts"])
	assert.Equal(t, "run-1", patch["corner_detection.lease_owner"])
	assert.Equal(t, model.FormatTime(now.Add(DefaultStaleAfter)), patch["corner_detection.lease_expires_at"])

	_, err = m.Start("corner_detection", model.TaskRecord{Status: model.StatusCompleted}, "run-1", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestComplete_KeepsStartedAt(t *testing.T) {
	patch := New(0, 0).Complete("corner_detection", now)
	assert.Equal(t, "completed", patch["corner_detection.status"])
	assert.Equal(t, model.FormatTime(now), patch["corner_detection.completed_at"])
	assert.NotContains(t, patch, "corner_detection.started_at")
}

func TestRetry(t *testing.T) {
	m := New(DefaultStaleAfter, 3)

	patch, exhausted := m.Retry("variants.room", model.TaskRecord{Status: model.StatusInProgress, Attempts: 2}, "bad json")
	assert.False(t, exhausted)
	assert.Equal(t, "wanted", patch["variants.room.status"])
	assert.Nil(t, patch["variants.room.started_at"])
	assert.Equal(t, "bad json", patch["variants.room.error"])
	assert.NotContains(t, patch, "variants.room.attempts")

	patch, exhausted = m.Retry("variants.room", model.TaskRecord{Status: model.StatusInProgress, Attempts: 3}, "bad json")
	assert.True(t, exhausted)
	assert.Equal(t, "error", patch["variants.room.status"])
	assert.Contains(t, patch["variants.room.error"], "gave up after 3 attempts")

	_, exhausted = New(DefaultStaleAfter, 0).Retry("x", model.TaskRecord{Attempts: 100}, "bad")
	assert.False(t, exhausted)
}

func TestLease(t *testing.T) {
	exp := now.Add(time.Minute)
	l, ok := LeaseOf(model.TaskRecord{LeaseOwner: "run-1", LeaseExpiresAt: &exp})
	require.True(t, ok)
	assert.False(t, l.Expired(now))
	assert.False(t, l.Expired(exp))
	assert.True(t, l.Expired(exp.Add(time.Second)))

	_, ok = LeaseOf(model.TaskRecord{})
	assert.False(t, ok)
}
