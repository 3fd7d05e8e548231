package rogue

import (
	"runtime"
	"sync/atomic"
)

const spinAttempts = 128

// spinLock is a busy-wait mutual exclusion primitive. The sections it
// guards are one remap plus one bounded page copy, so waiters spin
// instead of parking; after a burst of failed attempts the scheduler
// is given a chance to run the holder.
type spinLock struct {
	state uint32
}

func (l *spinLock) lock() {
	for i := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); i++ {
		if i%spinAttempts == spinAttempts-1 {
			runtime.Gosched()
		}
	}
}

func (l *spinLock) unlock() {
	atomic.StoreUint32(&l.state, 0)
}
