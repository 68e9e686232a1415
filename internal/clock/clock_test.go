package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNonDecreasing(t *testing.T) {
	c := NewSystem()
	prev := c.NowNanos()
	for i := 0; i < 1000; i++ {
		now := c.NowNanos()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestManual(t *testing.T) {
	c := NewManual(100)
	assert.Equal(t, uint64(100), c.NowNanos())

	c.Advance(5 * time.Nanosecond)
	assert.Equal(t, uint64(105), c.NowNanos())

	c.Set(50) // backwards is ignored
	assert.Equal(t, uint64(105), c.NowNanos())

	c.Set(1000)
	assert.Equal(t, uint64(1000), c.NowNanos())
}
