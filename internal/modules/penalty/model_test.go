package penalty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDuration(t *testing.T) {
	c := Config{}.withDefaults()
	tests := []struct {
		prior int
		want  time.Duration
	}{
		{0, time.Hour},
		{1, 6 * time.Hour},
		{4, 168 * time.Hour},
		{5, 336 * time.Hour},
		{6, 672 * time.Hour},
		{50, maxBlock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.duration(tt.prior), "prior=%d", tt.prior)
	}
}

func TestBlockActiveAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := Block{IsActive: true, BlockedUntil: now.Add(time.Minute)}
	assert.True(t, b.ActiveAt(now))
	assert.False(t, b.ActiveAt(now.Add(time.Minute)))

	b.IsActive = false
	assert.False(t, b.ActiveAt(now))
}
