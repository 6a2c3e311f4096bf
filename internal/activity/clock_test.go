package activity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zallist/slumber-proxy/internal/activity"
)

func TestNewClockStartsAtZero(t *testing.T) {
	c := activity.New()
	require.Less(t, c.Elapsed(), 5*time.Millisecond)
}

func TestClockElapsedGrows(t *testing.T) {
	c := activity.New()
	time.Sleep(15 * time.Millisecond)
	require.GreaterOrEqual(t, c.Elapsed(), 15*time.Millisecond)
}

func TestClockMarkResetsElapsed(t *testing.T) {
	c := activity.New()
	time.Sleep(15 * time.Millisecond)
	c.Mark()
	require.Less(t, c.Elapsed(), 5*time.Millisecond)
}

func TestClockMarkIsSafeUnderConcurrentReads(t *testing.T) {
	c := activity.New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.Mark()
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		_ = c.Elapsed()
	}
	<-done
}
