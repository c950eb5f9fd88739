package clock_test

import (
	"testing"
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/clock"
	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	assert.Equal(t, start, c.Now())

	c.Advance(5 * time.Minute)
	assert.Equal(t, start.Add(5*time.Minute), c.Now())
	assert.Equal(t, 5*time.Minute, c.Monotonic())
}

func TestFakeClockSet(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	later := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestSystemClockIsUTC(t *testing.T) {
	c := clock.NewSystem()
	assert.Equal(t, time.UTC, c.Now().Location())
}
