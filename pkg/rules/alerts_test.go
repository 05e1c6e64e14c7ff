package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func testRule(threshold int64, windowSeconds, cooldownSeconds int) models.AlertRule {
	return models.AlertRule{
		ID:              1,
		Name:            "error spike",
		Query:           "level=error",
		WindowSeconds:   windowSeconds,
		Threshold:       threshold,
		Comparator:      models.CompareGT,
		Severity:        models.LevelCritical,
		CooldownSeconds: cooldownSeconds,
		Enabled:         true,
	}
}

func errorAt(id int64, at time.Time) *models.LogEvent {
	return &models.LogEvent{
		ID:         id,
		Timestamp:  at,
		IngestTime: at,
		Level:      models.LevelError,
		Source:     "app",
		Message:    fmt.Sprintf("failure %d", id),
	}
}

func TestAlertState_FiresWhenThresholdCrossed(t *testing.T) {
	st, err := newAlertState(testRule(2, 60, 300))
	require.NoError(t, err)

	now := time.Now()
	for i := int64(1); i <= 3; i++ {
		st.observe(errorAt(i, now))
	}

	f := st.evaluate(now)
	require.NotNil(t, f)
	assert.Equal(t, int64(3), f.Count)
	assert.Equal(t, []int64{1, 2, 3}, f.MatchedIDs)
	assert.Equal(t, models.LevelCritical, f.Severity)
	assert.Equal(t, "error spike", f.RuleName)
	assert.WithinDuration(t, now.Add(-60*time.Second), f.WindowStart, time.Second)
}

func TestAlertState_BelowThresholdStaysArmed(t *testing.T) {
	st, err := newAlertState(testRule(5, 60, 300))
	require.NoError(t, err)

	now := time.Now()
	st.observe(errorAt(1, now))
	st.observe(errorAt(2, now))

	assert.Nil(t, st.evaluate(now))
}

func TestAlertState_NonMatchingEventsIgnored(t *testing.T) {
	st, err := newAlertState(testRule(0, 60, 300))
	require.NoError(t, err)

	now := time.Now()
	ev := errorAt(1, now)
	ev.Level = models.LevelInfo
	st.observe(ev)

	assert.Nil(t, st.evaluate(now))
}

func TestAlertState_CooldownSuppressesRefire(t *testing.T) {
	st, err := newAlertState(testRule(1, 60, 300))
	require.NoError(t, err)

	now := time.Now()
	st.observe(errorAt(1, now))
	st.observe(errorAt(2, now))

	require.NotNil(t, st.evaluate(now))
	// Still over threshold, but inside the cooldown.
	assert.Nil(t, st.evaluate(now.Add(10*time.Second)))
	assert.Nil(t, st.evaluate(now.Add(299*time.Second)))
}

func TestAlertState_RefiresAfterCooldownWhenStillOver(t *testing.T) {
	st, err := newAlertState(testRule(1, 600, 30))
	require.NoError(t, err)

	now := time.Now()
	st.observe(errorAt(1, now))
	st.observe(errorAt(2, now))
	require.NotNil(t, st.evaluate(now))

	// The 600s window still holds both events once the 30s cooldown ends.
	f := st.evaluate(now.Add(31 * time.Second))
	require.NotNil(t, f)
	assert.Equal(t, int64(2), f.Count)
}

func TestAlertState_RearmsAfterCooldownWhenQuiet(t *testing.T) {
	st, err := newAlertState(testRule(1, 20, 30))
	require.NoError(t, err)

	now := time.Now()
	st.observe(errorAt(1, now))
	st.observe(errorAt(2, now))
	require.NotNil(t, st.evaluate(now))

	// Cooldown over and the short window has drained: re-armed, no firing.
	assert.Nil(t, st.evaluate(now.Add(60*time.Second)))

	// A fresh burst fires again.
	later := now.Add(2 * time.Minute)
	st.observe(errorAt(3, later))
	st.observe(errorAt(4, later))
	f := st.evaluate(later)
	require.NotNil(t, f)
	assert.Equal(t, int64(2), f.Count)
}

func TestAlertState_WindowExcludesOldEvents(t *testing.T) {
	st, err := newAlertState(testRule(2, 60, 300))
	require.NoError(t, err)

	now := time.Now()
	st.observe(errorAt(1, now.Add(-5*time.Minute)))
	st.observe(errorAt(2, now.Add(-4*time.Minute)))
	st.observe(errorAt(3, now))

	// Only one event inside the window, threshold not crossed.
	assert.Nil(t, st.evaluate(now))
	assert.Len(t, st.buckets, 1, "expired buckets should be pruned")
}

func TestAlertState_MatchedIDsCapped(t *testing.T) {
	st, err := newAlertState(testRule(1, 60, 300))
	require.NoError(t, err)

	now := time.Now()
	for i := int64(1); i <= maxMatchedIDs+100; i++ {
		st.observe(errorAt(i, now))
	}

	f := st.evaluate(now)
	require.NotNil(t, f)
	assert.Equal(t, int64(maxMatchedIDs+100), f.Count, "count stays exact")
	assert.Len(t, f.MatchedIDs, maxMatchedIDs)
}

func TestAlertState_LessThanComparator(t *testing.T) {
	rule := testRule(3, 60, 300)
	rule.Comparator = models.CompareLT
	st, err := newAlertState(rule)
	require.NoError(t, err)

	now := time.Now()
	st.observe(errorAt(1, now))

	// One matching event in the window, 1 < 3 holds.
	f := st.evaluate(now)
	require.NotNil(t, f)
	assert.Equal(t, int64(1), f.Count)
}
