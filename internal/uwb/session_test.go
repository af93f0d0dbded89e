package uwb_test

import (
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/uwbd/internal/uwb"
)

func newPlainSession(priority uint8) *uwb.Session {
	return uwb.NewSession(uwb.SessionConfig{
		Handle:        1,
		SessionID:     1,
		ChipID:        "uwb0",
		Protocol:      uwb.ProtocolFira,
		StackPriority: priority,
		Callbacks:     uwb.NoopCallbacks{},
	})
}

func TestSessionControleeAddRemoveIdempotent(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)
	addr := uwb.ShortAddress(1)

	if !s.AddControlee(addr, nil) {
		t.Fatal("first AddControlee should report true")
	}
	if s.AddControlee(addr, nil) {
		t.Error("second AddControlee of the same address should report false")
	}
	if got := s.ControleeCount(); got != 1 {
		t.Errorf("ControleeCount() = %d, want 1", got)
	}

	if !s.RemoveControlee(addr) {
		t.Fatal("first RemoveControlee should report true")
	}
	if s.RemoveControlee(addr) {
		t.Error("second RemoveControlee of the same address should report false")
	}
	if got := s.ControleeCount(); got != 0 {
		t.Errorf("ControleeCount() = %d, want 0 after removal", got)
	}
}

func TestSessionGetAndIncrementDataTxSeqWraps(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)

	var last uint16
	for i := 0; i < 5; i++ {
		last = s.GetAndIncrementDataTxSeq()
		if int(last) != i {
			t.Fatalf("seq #%d = %d, want %d", i, last, i)
		}
	}
	for i := 5; i <= 0xFFFF; i++ {
		last = s.GetAndIncrementDataTxSeq()
	}
	if last != 0xFFFF {
		t.Fatalf("seq #65535 = %d, want 65535", last)
	}
	if got := s.GetAndIncrementDataTxSeq(); got != 0 {
		t.Errorf("seq after 0xFFFF = %d, want 0 (wrap)", got)
	}
}

func TestSessionSendInfoLifecycle(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)
	addr := uwb.ShortAddress(7)
	seq := s.GetAndIncrementDataTxSeq()

	s.AddSendInfo(seq, uwb.SendInfo{Addr: addr, Payload: []byte("hi")})

	info, ok := s.GetSendInfo(seq)
	if !ok {
		t.Fatal("GetSendInfo did not find the pending send")
	}
	if info.Addr != addr {
		t.Errorf("info.Addr = %v, want %v", info.Addr, addr)
	}

	count, ok := s.IncrementSendTxCount(seq)
	if !ok || count != 1 {
		t.Errorf("IncrementSendTxCount = (%d, %v), want (1, true)", count, ok)
	}

	s.RemoveSendInfo(seq)
	if _, ok := s.GetSendInfo(seq); ok {
		t.Error("GetSendInfo still finds the send record after RemoveSendInfo")
	}
}

func TestSessionDrainAllSendInfo(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)
	seq1 := s.GetAndIncrementDataTxSeq()
	seq2 := s.GetAndIncrementDataTxSeq()
	s.AddSendInfo(seq1, uwb.SendInfo{Addr: uwb.ShortAddress(1)})
	s.AddSendInfo(seq2, uwb.SendInfo{Addr: uwb.ShortAddress(2)})

	drained := s.DrainAllSendInfo()
	if len(drained) != 2 {
		t.Fatalf("len(DrainAllSendInfo()) = %d, want 2", len(drained))
	}
	if _, ok := s.GetSendInfo(seq1); ok {
		t.Error("GetSendInfo still finds a drained record")
	}
}

func TestSessionAddReceivedDedupesAndBoundsCapacity(t *testing.T) {
	t.Parallel()

	s := uwb.NewSession(uwb.SessionConfig{
		Handle:    1,
		SessionID: 1,
		ChipID:    "uwb0",
		Protocol:  uwb.ProtocolFira,
		NRx:       2,
		Callbacks: uwb.NoopCallbacks{},
	})
	addr := uwb.ShortAddress(1)

	s.AddReceived(addr, 1, []byte("a"))
	s.AddReceived(addr, 1, []byte("dup"))
	s.AddReceived(addr, 2, []byte("b"))
	s.AddReceived(addr, 3, []byte("c"))

	packets := s.DrainReceived(addr)
	if len(packets) != 2 {
		t.Fatalf("len(DrainReceived()) = %d, want 2 (capacity-bounded)", len(packets))
	}
	if packets[0].Seq != 2 || packets[1].Seq != 3 {
		t.Errorf("packets = %+v, want seq 2 then 3 (smallest evicted, ascending order)", packets)
	}

	if got := s.DrainReceived(addr); got != nil {
		t.Errorf("second DrainReceived() = %v, want nil after drain", got)
	}
}

func TestSessionRemoteAddrsSeen(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)
	s.AddReceived(uwb.ShortAddress(1), 1, []byte("a"))
	s.AddReceived(uwb.ShortAddress(2), 1, []byte("b"))

	seen := s.RemoteAddrsSeen()
	if len(seen) != 2 {
		t.Errorf("len(RemoteAddrsSeen()) = %d, want 2", len(seen))
	}
}

func TestSessionMarkClosedIsOneShot(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)

	if !s.MarkClosed() {
		t.Fatal("first MarkClosed should report true")
	}
	if s.MarkClosed() {
		t.Error("second MarkClosed should report false")
	}
	if !s.IsClosed() {
		t.Error("IsClosed() = false after MarkClosed")
	}
}

func TestSessionStackPriorityVsPriorityGivenToUwbs(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)
	if got := s.PriorityGivenToUwbs(); got != uwb.PriorityFG {
		t.Fatalf("PriorityGivenToUwbs() = %d, want %d", got, uwb.PriorityFG)
	}

	s.SetStackPriority(uwb.PriorityBG)
	if got := s.StackPriority(); got != uwb.PriorityBG {
		t.Errorf("StackPriority() = %d, want %d", got, uwb.PriorityBG)
	}
	if got := s.PriorityGivenToUwbs(); got != uwb.PriorityFG {
		t.Errorf("PriorityGivenToUwbs() = %d, want unchanged %d until re-commit", got, uwb.PriorityFG)
	}

	s.RecommitPriorityGivenToUwbs()
	if got := s.PriorityGivenToUwbs(); got != uwb.PriorityBG {
		t.Errorf("PriorityGivenToUwbs() after RecommitPriorityGivenToUwbs() = %d, want %d", got, uwb.PriorityBG)
	}
}

func TestSessionAwaitStateWakesOnSetState(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.AwaitState(func(state uwb.State, reason string) bool {
			return state == uwb.StateIdle
		})
	}()

	time.Sleep(10 * time.Millisecond)
	s.SetState(uwb.StateIdle, "")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitState did not wake up after SetState")
	}
}

func TestSessionMcastUpdateStatusRoundTrip(t *testing.T) {
	t.Parallel()

	s := newPlainSession(uwb.PriorityFG)
	if got := s.TakeMcastUpdateStatus(); got != nil {
		t.Fatalf("TakeMcastUpdateStatus() = %v, want nil before any update", got)
	}

	status := &uwb.MulticastUpdateStatus{PerAddressStatus: map[uwb.UwbAddress]uwb.Reason{
		uwb.ShortAddress(1): uwb.ReasonOK,
	}}
	s.SetMcastUpdateStatus(status)

	got := s.TakeMcastUpdateStatus()
	if got == nil || got.PerAddressStatus[uwb.ShortAddress(1)] != uwb.ReasonOK {
		t.Errorf("TakeMcastUpdateStatus() = %+v, want %+v", got, status)
	}
	if got := s.TakeMcastUpdateStatus(); got != nil {
		t.Error("TakeMcastUpdateStatus should clear after being consumed")
	}
}
