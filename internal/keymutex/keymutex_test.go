package keymutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWith_SerializesSameKey(t *testing.T) {
	m := New()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.With("AAPL", func() {
				cur := counter
				time.Sleep(time.Millisecond)
				counter = cur + 1
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestTryLock_FailsWhileHeld(t *testing.T) {
	m := New()
	m.Lock("TSLA")
	assert.False(t, m.TryLock("TSLA"))
	m.Unlock("TSLA")
	assert.True(t, m.TryLock("TSLA"))
	m.Unlock("TSLA")
}

func TestDistinctKeysDoNotBlockEachOther(t *testing.T) {
	m := New()
	m.Lock("AAPL")
	assert.True(t, m.TryLock("TSLA"))
	m.Unlock("TSLA")
	m.Unlock("AAPL")
}
