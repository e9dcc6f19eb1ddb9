package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFreshnessEvaluate(t *testing.T) {
	now := time.Now()
	cfg := FreshnessConfig{}

	cases := []struct {
		name       string
		createdAt  time.Time
		lastActive time.Time
		iterations int
		messages   int
		stale      bool
		reasonPart string
	}{
		{"fresh", now.Add(-time.Hour), now.Add(-time.Minute), 10, 20, false, ""},
		{"too old", now.Add(-25 * time.Hour), now.Add(-time.Minute), 0, 0, true, "age"},
		{"idle too long", now.Add(-time.Hour), now.Add(-3 * time.Hour), 0, 0, true, "idle"},
		{"iteration budget", now.Add(-time.Hour), now.Add(-time.Minute), 501, 0, true, "iterations"},
		{"message budget", now.Add(-time.Hour), now.Add(-time.Minute), 0, 1001, true, "messages"},
		{"at the limits", now.Add(-time.Hour), now.Add(-time.Minute), 500, 1000, false, ""},
		{"never active", now.Add(-time.Hour), time.Time{}, 0, 0, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stale, reason := cfg.Evaluate(tc.createdAt, tc.lastActive, tc.iterations, tc.messages)
			assert.Equal(t, tc.stale, stale)
			if tc.reasonPart != "" {
				assert.Contains(t, reason, tc.reasonPart)
			}
		})
	}
}

func TestFreshnessCustomThresholds(t *testing.T) {
	now := time.Now()
	cfg := FreshnessConfig{MaxAge: 10 * time.Minute}
	stale, reason := cfg.Evaluate(now.Add(-11*time.Minute), now, 0, 0)
	assert.True(t, stale)
	assert.Contains(t, reason, "10m")

	// Unset thresholds still get defaults alongside the custom one.
	stale, _ = cfg.Evaluate(now.Add(-time.Minute), now, 501, 0)
	assert.True(t, stale)
}
