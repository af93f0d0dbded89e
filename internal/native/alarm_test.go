package native_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/uwbd/internal/native"
)

func TestAlarmServiceFiresAfterDelay(t *testing.T) {
	t.Parallel()

	svc := native.NewAlarmService()
	var fired atomic.Bool
	svc.SetExactElapsedWakeup(15*time.Millisecond, func() { fired.Store(true) })

	waitForCond(t, time.Second, fired.Load)
}

func TestAlarmServiceCancelPreventsFire(t *testing.T) {
	t.Parallel()

	svc := native.NewAlarmService()
	var fired atomic.Bool
	handle := svc.SetExactElapsedWakeup(20*time.Millisecond, func() { fired.Store(true) })
	svc.Cancel(handle)

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("alarm fired despite Cancel")
	}
}

func TestAlarmServiceCancelUnknownHandleIsNoOp(t *testing.T) {
	t.Parallel()

	svc := native.NewAlarmService()
	svc.Cancel(native.AlarmHandle(9999))
}

func TestAlarmServiceDistinctHandlesIndependentlyCancellable(t *testing.T) {
	t.Parallel()

	svc := native.NewAlarmService()
	var firedA, firedB atomic.Bool
	ha := svc.SetExactElapsedWakeup(15*time.Millisecond, func() { firedA.Store(true) })
	svc.SetExactElapsedWakeup(15*time.Millisecond, func() { firedB.Store(true) })
	svc.Cancel(ha)

	waitForCond(t, time.Second, firedB.Load)
	if firedA.Load() {
		t.Error("cancelled alarm fired")
	}
}
