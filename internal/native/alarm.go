package native

import (
	"sync"
	"time"
)

// AlarmHandle identifies one outstanding alarm for later cancellation.
type AlarmHandle uint64

// AlarmService wraps the platform's exact-elapsed-wakeup facility (spec
// §6 "Alarm service"). On a mobile host this would survive device sleep;
// the in-process form here is a thin time.Timer wrapper, grounded on the
// teacher's drainTimer/resetDetectTimer lifecycle (stop-replace-restart
// under a single mutex, never leak the previous timer).
type AlarmService struct {
	mu     sync.Mutex
	next   AlarmHandle
	timers map[AlarmHandle]*time.Timer
}

// NewAlarmService constructs an empty AlarmService.
func NewAlarmService() *AlarmService {
	return &AlarmService{timers: make(map[AlarmHandle]*time.Timer)}
}

// SetExactElapsedWakeup arms fire to run after delay and returns a handle
// usable with Cancel.
func (a *AlarmService) SetExactElapsedWakeup(delay time.Duration, fire func()) AlarmHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	handle := a.next
	a.timers[handle] = time.AfterFunc(delay, func() {
		a.mu.Lock()
		delete(a.timers, handle)
		a.mu.Unlock()
		fire()
	})
	return handle
}

// Cancel stops the alarm named by handle, if still pending. Canceling an
// already-fired or unknown handle is a no-op.
func (a *AlarmService) Cancel(handle AlarmHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[handle]; ok {
		t.Stop()
		delete(a.timers, handle)
	}
}
