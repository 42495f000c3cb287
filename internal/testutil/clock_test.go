package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock_StartsAtStart(t *testing.T) {
	clock := NewStepClock(Epoch, time.Second)
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, int64(1), clock.Ticks())
}

func TestStepClock_Advances(t *testing.T) {
	clock := NewStepClock(Epoch, time.Minute)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())
	assert.Equal(t, Epoch.Add(2*time.Minute), clock.Now())
}

func TestStepClock_Reset(t *testing.T) {
	clock := NewStepClock(Epoch, time.Second)
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, int64(0), clock.Ticks())
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_ConvertsToUTC(t *testing.T) {
	local := time.Date(2025, 1, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	clock := NewStepClock(local, time.Second)
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestStepClock_ThreadSafe(t *testing.T) {
	clock := NewStepClock(Epoch, time.Millisecond)
	const goroutines = 50
	const calls = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				ts := clock.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*calls, "every timestamp must be unique")
}

func TestNonceSequence(t *testing.T) {
	seq := NewNonceSequence("")
	assert.Equal(t, "nonce-0001", seq.Next())
	assert.Equal(t, "nonce-0002", seq.Next())

	named := NewNonceSequence("evt")
	assert.Equal(t, "evt-0001", named.Next())
}
