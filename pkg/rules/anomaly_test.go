package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

func newTestDetector() *detector {
	return newDetector(config.DefaultRulesConfig(), metrics.New())
}

// feedMinute pushes n events for (source, error) into the given minute and
// returns any flags raised while rolling buckets forward.
func feedMinute(d *detector, source string, minute time.Time, n int) []AnomalyFlag {
	var flags []AnomalyFlag
	for i := 0; i < n; i++ {
		flags = append(flags, d.observe(&models.LogEvent{
			Timestamp:  minute,
			IngestTime: minute.Add(time.Duration(i) * time.Millisecond),
			Level:      models.LevelError,
			Source:     source,
			Message:    "boom",
		})...)
	}
	return flags
}

func TestDetector_FlagsAfterTwoConsecutiveSpikeMinutes(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Eight steady minutes at 10/min build the baseline.
	var flags []AnomalyFlag
	for m := 0; m < 8; m++ {
		flags = append(flags, feedMinute(d, "api", base.Add(time.Duration(m)*time.Minute), 10)...)
	}
	require.Empty(t, flags)

	// First spike minute completes without flagging (streak of one).
	flags = feedMinute(d, "api", base.Add(8*time.Minute), 100)
	require.Empty(t, flags)
	flags = feedMinute(d, "api", base.Add(9*time.Minute), 100)
	require.Empty(t, flags)

	// The event opening minute 10 completes the second spike minute.
	flags = feedMinute(d, "api", base.Add(10*time.Minute), 1)
	require.Len(t, flags, 1)

	f := flags[0]
	assert.Equal(t, "api", f.Source)
	assert.Equal(t, models.LevelError, f.Level)
	assert.Equal(t, int64(100), f.Count)
	assert.True(t, f.Bucket.Equal(base.Add(9*time.Minute)))
	assert.Greater(t, f.Z, 3.0)
	assert.Greater(t, f.Count, int64(f.Mean))

	snaps := d.Snapshots()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Flagged)
	assert.True(t, snaps[0].LastFlagged.Equal(base.Add(10*time.Minute)))
}

func TestDetector_CooldownSuppressesRepeatFlags(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for m := 0; m < 8; m++ {
		feedMinute(d, "api", base.Add(time.Duration(m)*time.Minute), 10)
	}
	feedMinute(d, "api", base.Add(8*time.Minute), 100)
	feedMinute(d, "api", base.Add(9*time.Minute), 100)
	require.Len(t, feedMinute(d, "api", base.Add(10*time.Minute), 100), 1)

	// The spike continues, but the ten-minute cooldown holds.
	var flags []AnomalyFlag
	for m := 11; m < 15; m++ {
		flags = append(flags, feedMinute(d, "api", base.Add(time.Duration(m)*time.Minute), 100)...)
	}
	assert.Empty(t, flags)
}

func TestDetector_RecoveryClearsFlag(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for m := 0; m < 8; m++ {
		feedMinute(d, "api", base.Add(time.Duration(m)*time.Minute), 10)
	}
	feedMinute(d, "api", base.Add(8*time.Minute), 100)
	feedMinute(d, "api", base.Add(9*time.Minute), 100)
	require.Len(t, feedMinute(d, "api", base.Add(10*time.Minute), 10), 1)

	// Back to the normal rate: the flag clears once a calm minute closes.
	feedMinute(d, "api", base.Add(11*time.Minute), 10)
	feedMinute(d, "api", base.Add(12*time.Minute), 10)

	snaps := d.Snapshots()
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Flagged)
}

func TestDetector_WarmupNeverFlags(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Wild counts from the first observation must not flag while the
	// model is still warming up.
	var flags []AnomalyFlag
	flags = append(flags, feedMinute(d, "new", base, 500)...)
	flags = append(flags, feedMinute(d, "new", base.Add(1*time.Minute), 1)...)
	flags = append(flags, feedMinute(d, "new", base.Add(2*time.Minute), 500)...)
	flags = append(flags, feedMinute(d, "new", base.Add(3*time.Minute), 1)...)
	assert.Empty(t, flags)
}

func TestDetector_TickRollsQuietMinutes(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	feedMinute(d, "api", base, 10)
	flags := d.tick(base.Add(3 * time.Minute))
	require.Empty(t, flags)

	snaps := d.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(0), snaps[0].LastCount, "quiet minutes rolled through")
	assert.Greater(t, snaps[0].Mean, 0.0, "the busy minute decayed in")
}

func TestDetector_LongGapResetsModel(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for m := 0; m < 8; m++ {
		feedMinute(d, "api", base.Add(time.Duration(m)*time.Minute), 10)
	}
	d.tick(base.Add(200 * time.Minute))

	snaps := d.Snapshots()
	require.Len(t, snaps, 1)
	assert.Zero(t, snaps[0].Mean)

	// Warmup runs again: a burst right after the gap must not flag
	// against the zeroed baseline.
	after := base.Add(200 * time.Minute)
	var flags []AnomalyFlag
	flags = append(flags, feedMinute(d, "api", after.Add(1*time.Minute), 100)...)
	flags = append(flags, feedMinute(d, "api", after.Add(2*time.Minute), 100)...)
	flags = append(flags, feedMinute(d, "api", after.Add(3*time.Minute), 1)...)
	assert.Empty(t, flags)
}

func TestDetector_KeysAreIndependentAndSnapshotsSorted(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	feedMinute(d, "zebra", base, 5)
	feedMinute(d, "api", base, 5)
	d.observe(&models.LogEvent{
		Timestamp:  base,
		IngestTime: base,
		Level:      models.LevelInfo,
		Source:     "api",
		Message:    "hello",
	})

	snaps := d.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "api", snaps[0].Source)
	assert.Equal(t, models.LevelError, snaps[0].Level)
	assert.Equal(t, "api", snaps[1].Source)
	assert.Equal(t, models.LevelInfo, snaps[1].Level)
	assert.Equal(t, "zebra", snaps[2].Source)
}

func TestDetector_EvictsStalestKeyAtCapacity(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i <= maxAnomalyKeys; i++ {
		d.observe(&models.LogEvent{
			Timestamp:  base,
			IngestTime: base.Add(time.Duration(i) * time.Millisecond),
			Level:      models.LevelError,
			Source:     fmt.Sprintf("src-%05d", i),
			Message:    "x",
		})
	}

	assert.Len(t, d.models, maxAnomalyKeys)
	_, evicted := d.models[anomalyKey{source: "src-00000", level: models.LevelError}]
	assert.False(t, evicted, "the stalest key is dropped")
	_, newest := d.models[anomalyKey{source: fmt.Sprintf("src-%05d", maxAnomalyKeys), level: models.LevelError}]
	assert.True(t, newest)
}
