package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"0s", 0},
		{"", 0},
		{"5", 0},
		{"5d", 0},
		{"1h30m", 0},
		{"-5m", 0},
		{" 5m", 0},
		{"5m ", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseDuration(tc.in), "input %q", tc.in)
	}
}

func TestReactionForMergesProjectOverride(t *testing.T) {
	auto := false
	retries := 2
	cfg := &Config{
		Reactions: map[string]ReactionConfig{
			"ci-failed": {Action: "send-to-agent", Message: "CI failing", Retries: &retries},
		},
		Projects: map[string]ProjectConfig{
			"app": {
				SessionPrefix: "app",
				Reactions: map[string]ReactionConfig{
					"ci-failed": {Auto: &auto, Message: "CI is red, fix it"},
				},
			},
		},
	}

	merged, ok := cfg.ReactionFor("app", "ci-failed")
	assert.True(t, ok)
	assert.Equal(t, "send-to-agent", merged.Action)
	assert.Equal(t, "CI is red, fix it", merged.Message)
	assert.NotNil(t, merged.Retries)
	assert.Equal(t, 2, *merged.Retries)
	assert.False(t, merged.Enabled())

	_, ok = cfg.ReactionFor("app", "unknown-key")
	assert.False(t, ok)

	// Global-only key passes through untouched.
	global, ok := cfg.ReactionFor("other", "ci-failed")
	assert.True(t, ok)
	assert.Equal(t, "CI failing", global.Message)
	assert.True(t, global.Enabled())
}

func TestReactionEnabled(t *testing.T) {
	off := false
	assert.True(t, ReactionConfig{Action: "send-to-agent"}.Enabled())
	assert.False(t, ReactionConfig{Action: "send-to-agent", Auto: &off}.Enabled())
	// Notify reactions always run, even with auto=false.
	assert.True(t, ReactionConfig{Action: "notify", Auto: &off}.Enabled())
}
