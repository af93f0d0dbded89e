package uwb

import (
	"sync"
	"time"
)

// selfAddr is the sentinel key errorStreakState uses for the single
// session-level timer variant, where there is no per-controlee address to
// key by.
var selfAddr = ShortAddress(0xFFFF)

// errorStreakState tracks consecutive-ranging-error timers (spec §4.7,
// C7). Two-way controller sessions arm one timer per controlee, since a
// controller can lose one controlee while still successfully ranging to
// others; every other session shape (controlee role, OwR-AoA, DL-TDoA)
// arms a single session-level timer, since there is exactly one ranging
// relationship to monitor. This mirrors the teacher's per-peer vs
// per-session timer split between its main BFD detect timer and its
// micro-BFD per-member-link timers.
type errorStreakState struct {
	mu           sync.Mutex
	timers       map[UwbAddress]*time.Timer
	duration     time.Duration
	perControlee bool
	fire         func(addr UwbAddress)
	cancelled    bool
}

// NewErrorStreak constructs an armed-on-demand error-streak timer set.
// fire is invoked on its own goroutine (time.AfterFunc semantics) when a
// streak's duration elapses without an intervening Disarm.
func NewErrorStreak(duration time.Duration, perControlee bool, fire func(addr UwbAddress)) *errorStreakState {
	return &errorStreakState{
		timers:       make(map[UwbAddress]*time.Timer),
		duration:     duration,
		perControlee: perControlee,
		fire:         fire,
	}
}

func (e *errorStreakState) key(addr UwbAddress) UwbAddress {
	if e.perControlee {
		return addr
	}
	return selfAddr
}

// Arm (re)starts the streak timer for addr, replacing any timer already
// running for the same key. Also used for the zero-measurement workaround
// (spec §4.7): a ranging round that reports zero measurements arms the
// streak exactly as a reported error would, since the UWBS gives no
// explicit error status to key off in that case.
func (e *errorStreakState) Arm(addr UwbAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return
	}
	key := e.key(addr)
	if t, ok := e.timers[key]; ok {
		t.Stop()
	}
	e.timers[key] = time.AfterFunc(e.duration, func() { e.fire(addr) })
}

// Disarm stops the streak timer for addr without firing, e.g. on a
// successful ranging measurement that breaks the error streak.
func (e *errorStreakState) Disarm(addr UwbAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := e.key(addr)
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

// Cancel stops every timer and marks the set cancelled so subsequent Arm
// calls are no-ops. Called when a session leaves StateActive.
func (e *errorStreakState) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
}

// DefaultErrorStreakDuration is the error-streak window after which a
// session (or, for a two-way controller, one controlee) is considered
// lost (spec §4.7).
const DefaultErrorStreakDuration = 5 * time.Second

// bgAppTimer is the single 120-second background-app timer (spec §4.7):
// armed when an active session's owning process moves fully to the
// background, it stops the session if no foreground transition happens
// before it fires.
type bgAppTimer struct {
	mu        sync.Mutex
	timer     *time.Timer
	duration  time.Duration
	fire      func()
	cancelled bool
}

// DefaultBgAppTimerDuration is the grace period a backgrounded app's
// active sessions are given before they are stopped (spec §4.7).
const DefaultBgAppTimerDuration = 120 * time.Second

// NewBgAppTimer constructs a disarmed bgAppTimer.
func NewBgAppTimer(duration time.Duration, fire func()) *bgAppTimer {
	return &bgAppTimer{duration: duration, fire: fire}
}

// Arm (re)starts the timer, replacing any timer already running.
func (b *bgAppTimer) Arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelled {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.duration, b.fire)
}

// Disarm stops the timer without firing, e.g. the owning process returned
// to the foreground before the grace period elapsed.
func (b *bgAppTimer) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Cancel permanently disarms the timer.
func (b *bgAppTimer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Importance mirrors the host platform's process-importance scale closely
// enough to distinguish foreground from background; exact numeric
// alignment with any particular platform API is out of scope (spec §1).
type Importance uint8

const (
	ImportanceForeground Importance = iota
	ImportanceBackground
	ImportanceGone
)

// ImportanceSubscriber receives process-importance changes for one uid. It
// is implemented by FgBgObserver and driven by native.ImportanceService.
type ImportanceSubscriber interface {
	OnImportanceChanged(uid uint32, importance Importance)
}

// FgBgObserver is the C7 fg/bg policy: it recomputes every session owned
// by a uid whenever that uid's process importance changes, lowering stack
// priority and arming the bg-app timer on backgrounding, and restoring
// priority and disarming the timer on return to foreground. Grounded on
// the teacher's unsolicited-BFD subscription-config shape: a single
// handler fed external events, reacting per matching session rather than
// polling.
type FgBgObserver struct {
	registry        *Registry
	bgAppDuration   time.Duration
	errorStreakFn   func(*Session) *errorStreakState
	onSessionStop   func(*Session, Reason)
}

// FgBgObserverConfig configures FgBgObserver construction.
type FgBgObserverConfig struct {
	Registry      *Registry
	BgAppDuration time.Duration
	// OnSessionStop is invoked when a session's bg-app timer fires; the
	// Serializer supplies this to route the stop through its normal
	// command queue rather than mutating the session from a timer
	// goroutine directly.
	OnSessionStop func(*Session, Reason)
}

// NewFgBgObserver constructs an FgBgObserver.
func NewFgBgObserver(cfg FgBgObserverConfig) *FgBgObserver {
	dur := cfg.BgAppDuration
	if dur <= 0 {
		dur = DefaultBgAppTimerDuration
	}
	return &FgBgObserver{
		registry:      cfg.Registry,
		bgAppDuration: dur,
		onSessionStop: cfg.OnSessionStop,
	}
}

// OnImportanceChanged implements ImportanceSubscriber. It is the
// on_fg_bg_change operation named in spec §4.4: every session owned by uid
// has its stack priority and bg-app timer recomputed.
func (o *FgBgObserver) OnImportanceChanged(uid uint32, importance Importance) {
	for _, session := range o.registry.ByUID(uid) {
		switch importance {
		case ImportanceForeground:
			session.SetStackPriority(PriorityFG)
			if session.BgAppTimer != nil {
				session.BgAppTimer.Disarm()
			}
		case ImportanceBackground:
			session.SetStackPriority(PriorityBG)
			if session.State() != StateActive {
				continue
			}
			if session.BgAppTimer == nil {
				s := session
				session.BgAppTimer = NewBgAppTimer(o.bgAppDuration, func() {
					if o.onSessionStop != nil {
						o.onSessionStop(s, ReasonSystemPolicy)
					}
				})
			}
			session.BgAppTimer.Arm()
		case ImportanceGone:
			if session.BgAppTimer != nil {
				session.BgAppTimer.Cancel()
			}
			if o.onSessionStop != nil {
				o.onSessionStop(session, ReasonSystemPolicy)
			}
		}
	}
}
