package uwb_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/uwbd/internal/uwb"
)

func TestErrorStreakFiresAfterDuration(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	streak := uwb.NewErrorStreak(20*time.Millisecond, false, func(uwb.UwbAddress) { fired.Store(true) })

	streak.Arm(uwb.ShortAddress(1))
	waitFor(t, time.Second, fired.Load)
}

func TestErrorStreakDisarmPreventsFire(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	streak := uwb.NewErrorStreak(20*time.Millisecond, false, func(uwb.UwbAddress) { fired.Store(true) })

	streak.Arm(uwb.ShortAddress(1))
	streak.Disarm(uwb.ShortAddress(1))
	time.Sleep(60 * time.Millisecond)

	if fired.Load() {
		t.Error("streak fired despite Disarm before the duration elapsed")
	}
}

func TestErrorStreakPerControleeKeying(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fired := map[uwb.UwbAddress]bool{}
	streak := uwb.NewErrorStreak(20*time.Millisecond, true, func(addr uwb.UwbAddress) {
		mu.Lock()
		fired[addr] = true
		mu.Unlock()
	})

	a1, a2 := uwb.ShortAddress(1), uwb.ShortAddress(2)
	streak.Arm(a1)
	streak.Arm(a2)
	streak.Disarm(a1)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired[a2]
	})

	mu.Lock()
	defer mu.Unlock()
	if fired[a1] {
		t.Error("disarmed controlee's timer fired")
	}
}

func TestErrorStreakCancelStopsFutureArms(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	streak := uwb.NewErrorStreak(15*time.Millisecond, false, func(uwb.UwbAddress) { fired.Store(true) })
	streak.Cancel()
	streak.Arm(uwb.ShortAddress(1))

	time.Sleep(40 * time.Millisecond)
	if fired.Load() {
		t.Error("Arm after Cancel should not fire")
	}
}

func TestBgAppTimerFiresAfterDuration(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := uwb.NewBgAppTimer(20*time.Millisecond, func() { fired.Store(true) })
	timer.Arm()

	waitFor(t, time.Second, fired.Load)
}

func TestBgAppTimerDisarmPreventsFire(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := uwb.NewBgAppTimer(20*time.Millisecond, func() { fired.Store(true) })
	timer.Arm()
	timer.Disarm()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("timer fired despite Disarm")
	}
}

func TestBgAppTimerCancelPreventsRearm(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := uwb.NewBgAppTimer(15*time.Millisecond, func() { fired.Store(true) })
	timer.Cancel()
	timer.Arm()

	time.Sleep(40 * time.Millisecond)
	if fired.Load() {
		t.Error("Arm after Cancel should not fire")
	}
}

func TestFgBgObserverBackgroundingLowersPriorityAndArmsTimer(t *testing.T) {
	t.Parallel()

	registry := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := uwb.NewSession(uwb.SessionConfig{
		Handle:        1,
		SessionID:     1,
		ChipID:        "uwb0",
		Protocol:      uwb.ProtocolFira,
		UID:           7,
		StackPriority: uwb.PriorityFG,
		Callbacks:     uwb.NoopCallbacks{},
	})
	if _, err := registry.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	s.SetState(uwb.StateActive, "")

	var stopped atomic.Bool
	observer := uwb.NewFgBgObserver(uwb.FgBgObserverConfig{
		Registry:      registry,
		BgAppDuration: 20 * time.Millisecond,
		OnSessionStop: func(*uwb.Session, uwb.Reason) { stopped.Store(true) },
	})

	observer.OnImportanceChanged(7, uwb.ImportanceBackground)
	if got := s.StackPriority(); got != uwb.PriorityBG {
		t.Errorf("StackPriority() after backgrounding = %d, want %d", got, uwb.PriorityBG)
	}

	waitFor(t, time.Second, stopped.Load)
}

func TestFgBgObserverForegroundingDisarmsTimer(t *testing.T) {
	t.Parallel()

	registry := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := uwb.NewSession(uwb.SessionConfig{
		Handle:        1,
		SessionID:     1,
		ChipID:        "uwb0",
		Protocol:      uwb.ProtocolFira,
		UID:           7,
		StackPriority: uwb.PriorityFG,
		Callbacks:     uwb.NoopCallbacks{},
	})
	if _, err := registry.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	s.SetState(uwb.StateActive, "")

	var stopped atomic.Bool
	observer := uwb.NewFgBgObserver(uwb.FgBgObserverConfig{
		Registry:      registry,
		BgAppDuration: 20 * time.Millisecond,
		OnSessionStop: func(*uwb.Session, uwb.Reason) { stopped.Store(true) },
	})

	observer.OnImportanceChanged(7, uwb.ImportanceBackground)
	observer.OnImportanceChanged(7, uwb.ImportanceForeground)

	time.Sleep(60 * time.Millisecond)
	if stopped.Load() {
		t.Error("session stop fired despite returning to foreground before the grace period")
	}
	if got := s.StackPriority(); got != uwb.PriorityFG {
		t.Errorf("StackPriority() after foregrounding = %d, want %d", got, uwb.PriorityFG)
	}
}

func TestFgBgObserverGoneStopsSessionImmediately(t *testing.T) {
	t.Parallel()

	registry := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := uwb.NewSession(uwb.SessionConfig{
		Handle:    1,
		SessionID: 1,
		ChipID:    "uwb0",
		Protocol:  uwb.ProtocolFira,
		UID:       7,
		Callbacks: uwb.NoopCallbacks{},
	})
	if _, err := registry.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	var stopped atomic.Bool
	observer := uwb.NewFgBgObserver(uwb.FgBgObserverConfig{
		Registry:      registry,
		OnSessionStop: func(*uwb.Session, uwb.Reason) { stopped.Store(true) },
	})

	observer.OnImportanceChanged(7, uwb.ImportanceGone)
	if !stopped.Load() {
		t.Error("ImportanceGone should stop the session immediately")
	}
}
