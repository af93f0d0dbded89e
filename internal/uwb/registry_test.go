package uwb_test

import (
	"testing"

	"github.com/dantte-lp/uwbd/internal/uwb"
)

func newTestSession(handle uwb.SessionHandle, sessionID uwb.SessionID, chip uwb.ChipID, protocol uwb.Protocol, priority uint8) *uwb.Session {
	return uwb.NewSession(uwb.SessionConfig{
		Handle:        handle,
		SessionID:     sessionID,
		Type:          uwb.SessionTypeRanging,
		Protocol:      protocol,
		ChipID:        chip,
		StackPriority: priority,
		Callbacks:     uwb.NoopCallbacks{},
	})
}

func TestRegistryAdmitAndLookup(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := newTestSession(1, 1, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)

	evicted, err := r.Admit(s)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if evicted != nil {
		t.Fatalf("evicted = %v, want nil on first admit", evicted)
	}

	if got, ok := r.ByHandle(1); !ok || got != s {
		t.Error("ByHandle did not find the admitted session")
	}
	if got, ok := r.BySessionID("uwb0", 1); !ok || got != s {
		t.Error("BySessionID did not find the admitted session")
	}
}

func TestRegistryAdmitDuplicateHandle(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s1 := newTestSession(1, 1, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)
	s2 := newTestSession(1, 2, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)

	if _, err := r.Admit(s1); err != nil {
		t.Fatalf("Admit s1: %v", err)
	}
	if _, err := r.Admit(s2); err != uwb.ErrSessionDuplicate {
		t.Errorf("Admit duplicate handle: err = %v, want ErrSessionDuplicate", err)
	}
}

func TestRegistryAdmitUnknownChip(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := newTestSession(1, 1, "uwb9", uwb.ProtocolFira, uwb.PriorityFG)

	if _, err := r.Admit(s); err != uwb.ErrUnknownChip {
		t.Errorf("Admit on unknown chip: err = %v, want ErrUnknownChip", err)
	}
}

func TestRegistryCccRejectsAtCapacity(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxCcc: 1}})
	s1 := newTestSession(1, 1, "uwb0", uwb.ProtocolCcc, uwb.PriorityFG)
	s2 := newTestSession(2, 2, "uwb0", uwb.ProtocolCcc, uwb.PriorityFG)

	if _, err := r.Admit(s1); err != nil {
		t.Fatalf("Admit s1: %v", err)
	}
	if _, err := r.Admit(s2); err != uwb.ErrMaxSessionsReached {
		t.Errorf("Admit s2 at capacity: err = %v, want ErrMaxSessionsReached", err)
	}
}

func TestRegistryFiraEvictsLowerPriority(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 1}})
	low := newTestSession(1, 1, "uwb0", uwb.ProtocolFira, uwb.PriorityBG)
	high := newTestSession(2, 2, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)

	if _, err := r.Admit(low); err != nil {
		t.Fatalf("Admit low: %v", err)
	}

	evicted, err := r.Admit(high)
	if err != nil {
		t.Fatalf("Admit high: %v", err)
	}
	if evicted != low {
		t.Fatalf("evicted = %v, want the lower-priority session", evicted)
	}
	// Admit identifies the victim but does not remove it: real teardown
	// (stop/deinit through the Serializer) is what drives its eventual
	// removal, once the native layer has actually acknowledged it.
	if got, ok := r.ByHandle(1); !ok || got != low {
		t.Error("evicted session should remain registered until its own teardown completes")
	}
	if _, ok := r.ByHandle(2); !ok {
		t.Error("admitted session missing from the registry")
	}

	r.Remove(low, uwb.ReasonMaxSessionsReached)
	if _, ok := r.ByHandle(1); ok {
		t.Error("evicted session still present in the registry after Remove")
	}
}

func TestRegistryFiraDoesNotEvictEqualOrHigherPriority(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 1}})
	first := newTestSession(1, 1, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)
	second := newTestSession(2, 2, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)

	if _, err := r.Admit(first); err != nil {
		t.Fatalf("Admit first: %v", err)
	}
	if _, err := r.Admit(second); err != uwb.ErrMaxSessionsReached {
		t.Errorf("Admit second at equal priority: err = %v, want ErrMaxSessionsReached", err)
	}
}

func TestRegistryBindTokenAndByToken(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := newTestSession(1, 1, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)
	if _, err := r.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	r.BindToken(s, uwb.SessionToken(42))

	got, ok := r.ByToken(uwb.SessionToken(42))
	if !ok || got != s {
		t.Error("ByToken did not find the session after BindToken")
	}
	if s.Token() != 42 {
		t.Errorf("s.Token() = %d, want 42", s.Token())
	}
}

func TestRegistryRemoveClearsAllIndicesAndRecordsHistory(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := newTestSession(1, 1, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)
	if _, err := r.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	r.BindToken(s, uwb.SessionToken(7))

	r.Remove(s, uwb.ReasonOK)

	if _, ok := r.ByHandle(1); ok {
		t.Error("ByHandle still finds a removed session")
	}
	if _, ok := r.ByToken(7); ok {
		t.Error("ByToken still finds a removed session")
	}
	if _, ok := r.BySessionID("uwb0", 1); ok {
		t.Error("BySessionID still finds a removed session")
	}

	history := r.RecentlyClosed()
	if len(history) != 1 || history[0].Handle != 1 {
		t.Errorf("RecentlyClosed = %+v, want one entry for handle 1", history)
	}
}

func TestRegistryRecentlyClosedBounded(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 100}})
	for i := uwb.SessionHandle(1); i <= 8; i++ {
		s := newTestSession(i, uwb.SessionID(i), "uwb0", uwb.ProtocolFira, uwb.PriorityFG)
		if _, err := r.Admit(s); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		r.Remove(s, uwb.ReasonOK)
	}

	history := r.RecentlyClosed()
	if len(history) != 5 {
		t.Fatalf("len(RecentlyClosed()) = %d, want bounded to 5", len(history))
	}
	if history[len(history)-1].Handle != 8 {
		t.Errorf("last history entry handle = %d, want 8 (most recent)", history[len(history)-1].Handle)
	}
}

func TestRegistryByUID(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s := uwb.NewSession(uwb.SessionConfig{
		Handle:    1,
		SessionID: 1,
		ChipID:    "uwb0",
		Protocol:  uwb.ProtocolFira,
		UID:       42,
		Callbacks: uwb.NoopCallbacks{},
	})
	if _, err := r.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	sessions := r.ByUID(42)
	if len(sessions) != 1 || sessions[0] != s {
		t.Errorf("ByUID(42) = %v, want [%v]", sessions, s)
	}
	if sessions := r.ByUID(99); sessions != nil {
		t.Errorf("ByUID(99) = %v, want nil", sessions)
	}
}

func TestRegistryAll(t *testing.T) {
	t.Parallel()

	r := uwb.NewRegistry(map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	s1 := newTestSession(1, 1, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)
	s2 := newTestSession(2, 2, "uwb0", uwb.ProtocolFira, uwb.PriorityFG)
	r.Admit(s1)
	r.Admit(s2)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
}
