package keymutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	km := New(4)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("conv:client")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestLockDifferentKeysDoNotDeadlock(t *testing.T) {
	km := New(8)
	unlockA := km.Lock("a")
	// "b" may share a stripe with "a"; verify unlock ordering is safe either way.
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	unlockA()
	<-done
}

func TestZeroStripesFallsBackToDefault(t *testing.T) {
	km := New(0)
	unlock := km.Lock("x")
	unlock()
	assert.Len(t, km.stripes, defaultStripes)
}
