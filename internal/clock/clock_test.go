package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestManualTicker(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)
	tk := c.NewTicker(time.Minute)
	require.Equal(t, 1, c.Tickers())

	c.Advance(30 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its period")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case got := <-tk.C():
		assert.Equal(t, start.Add(time.Minute), got)
	default:
		t.Fatal("ticker did not fire")
	}

	// A reader that falls behind sees a single tick, as with time.Ticker.
	c.Advance(3 * time.Minute)
	<-tk.C()
	select {
	case <-tk.C():
		t.Fatal("expected dropped ticks")
	default:
	}

	tk.Stop()
	tk.Stop()
	assert.Equal(t, 0, c.Tickers())
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	tk := c.NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}
