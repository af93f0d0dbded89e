package uwb

import (
	"sort"
	"sync"
	"sync/atomic"
)

// SessionHandle is an opaque identifier minted by the client stack.
// Equality locates the Session in the Registry.
type SessionHandle uint64

// SessionID is the app-visible session number supplied by the client.
type SessionID uint32

// SessionToken is minted by the UWBS (simulated here) after INIT and used
// internally for cross-session references such as hybrid-session time
// bases. It is never exposed to the client.
type SessionToken uint32

// ChipID names a UWB chip a session is opened against. A host may expose
// more than one chip, each with its own per-protocol capacity policy.
type ChipID string

// Stack priority bands (spec §3).
const (
	PriorityBG     uint8 = 40
	PriorityFG     uint8 = 60
	PrioritySystem uint8 = 70
	PriorityCCC    uint8 = 80
	PriorityAliro  uint8 = 80
)

// SessionType distinguishes ranging session shapes beyond the protocol
// family: plain ranging, DT-Tag, or an OwR-AoA advertiser/observer role.
type SessionType uint8

const (
	SessionTypeRanging SessionType = iota
	SessionTypeDtTag
	SessionTypeOwrAoaAdvertiser
)

// Controlee is a per-controlee record exclusively owned by its Session.
// FilterHandle is opaque (the fusion/filter engine is out of scope, spec
// §1); it is carried so a reconfigure handler can pass it through.
type Controlee struct {
	Addr         UwbAddress
	FilterHandle any
}

// SendInfo is the bookkeeping record kept for an in-flight data TX, keyed
// by its 16-bit UCI sequence number until the matching send-status
// notification (or session teardown) removes it.
type SendInfo struct {
	Addr    UwbAddress
	Params  Params
	Payload []byte
	TxCount uint8
}

// receivedWindow is the per-address ordered/bounded receive buffer
// described in spec §3: duplicate sequence numbers are ignored; beyond
// capacity, the smallest sequence number across new-plus-stored is dropped.
type receivedWindow struct {
	capacity int
	packets  map[uint16][]byte
}

func newReceivedWindow(capacity int) *receivedWindow {
	return &receivedWindow{capacity: capacity, packets: make(map[uint16][]byte)}
}

func (w *receivedWindow) add(seq uint16, payload []byte) {
	if _, dup := w.packets[seq]; dup {
		return
	}
	w.packets[seq] = payload
	if len(w.packets) <= w.capacity {
		return
	}
	smallest := seq
	for s := range w.packets {
		if seqLess(s, smallest) {
			smallest = s
		}
	}
	delete(w.packets, smallest)
}

// seqLess compares two sequence numbers without wraparound semantics: the
// receive window capacity is small relative to 2^16, so plain numeric
// ordering is sufficient (spec does not require wrap-aware RX ordering,
// only the TX sequence counter wraps).
func seqLess(a, b uint16) bool { return a < b }

func (w *receivedWindow) drain() []ReceivedPacket {
	out := make([]ReceivedPacket, 0, len(w.packets))
	for seq, payload := range w.packets {
		out = append(out, ReceivedPacket{Seq: seq, Payload: payload})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	w.packets = make(map[uint16][]byte)
	return out
}

// ReceivedPacket is one entry drained from a receivedWindow, in ascending
// sequence-number order.
type ReceivedPacket struct {
	Seq     uint16
	Payload []byte
}

// Session is the central entity of the core (spec §3, C4). Mutable state is
// guarded by one mutex per concern (state, params, controlees, receive
// buffers, pending sends, multicast status); single-word values such as
// the token, stack priority and closed flag are atomics.
type Session struct {
	Handle      SessionHandle
	SessionID   SessionID
	Type        SessionType
	Protocol    Protocol
	ChipID      ChipID
	UID         uint32 // client process uid, used by the fg/bg observer
	Privileged  bool

	token atomic.Uint32

	mu               sync.Mutex
	cond             *sync.Cond
	state            State
	lastStatusReason string

	paramsMu sync.RWMutex
	params   Params

	stackPriority       atomic.Uint32
	priorityOverride    atomic.Bool
	priorityGivenToUwbs uint8 // set once at open; immutable thereafter (invariant 6)

	needsAppConfigUpdate    atomic.Bool
	needsUwbsTimestampQuery atomic.Bool

	controleesMu sync.Mutex
	controlees   map[UwbAddress]*Controlee

	nRx         int
	receivedMu  sync.Mutex
	received    map[UwbAddress]*receivedWindow

	sendMu      sync.Mutex
	sendPending map[uint16]*SendInfo
	nextTxSeq   uint32 // masked to uint16 on read; atomic-free, owned by Serializer goroutine

	mcastUpdateStatusMu sync.Mutex
	mcastUpdateStatus   *MulticastUpdateStatus

	remoteAddrsSeenMu sync.Mutex
	remoteAddrsSeen   map[UwbAddress]struct{}

	Callbacks ClientCallbacks

	closed              atomic.Bool
	closeReasonOverride atomic.Uint32 // Reason+1, 0 means "no override"

	ErrorStreak *errorStreakState
	BgAppTimer  *bgAppTimer
}

// MulticastUpdateStatus is the last-seen multicast-list update result,
// retained on the Session until consumed by the Serializer's reconfigure
// step (spec §3 "mcast_update_status").
type MulticastUpdateStatus struct {
	PerAddressStatus map[UwbAddress]Reason
}

// SessionConfig carries the immutable construction-time fields of a
// Session. Params is the initial parameter bundle committed at open.
type SessionConfig struct {
	Handle     SessionHandle
	SessionID  SessionID
	Type       SessionType
	Protocol   Protocol
	ChipID     ChipID
	UID        uint32
	Privileged bool
	Params     Params
	StackPriority uint8
	NRx        int
	Callbacks  ClientCallbacks
}

// NewSession constructs a Session in StateInit. priorityGivenToUwbs is
// snapshotted from cfg.StackPriority now and never changes for the life of
// the session (invariant 6); cfg.StackPriority may still be updated later
// via SetStackPriority for eviction-comparison purposes, but the UWBS only
// ever sees the value captured here until the next OPEN or START.
func NewSession(cfg SessionConfig) *Session {
	nrx := cfg.NRx
	if nrx <= 0 {
		nrx = 16
	}
	s := &Session{
		Handle:              cfg.Handle,
		SessionID:           cfg.SessionID,
		Type:                cfg.Type,
		Protocol:            cfg.Protocol,
		ChipID:              cfg.ChipID,
		UID:                 cfg.UID,
		Privileged:          cfg.Privileged,
		state:               StateInit,
		params:              cfg.Params,
		priorityGivenToUwbs: cfg.StackPriority,
		controlees:          make(map[UwbAddress]*Controlee),
		nRx:                 nrx,
		received:            make(map[UwbAddress]*receivedWindow),
		sendPending:         make(map[uint16]*SendInfo),
		remoteAddrsSeen:     make(map[UwbAddress]struct{}),
		Callbacks:           cfg.Callbacks,
	}
	s.cond = sync.NewCond(&s.mu)
	s.stackPriority.Store(uint32(cfg.StackPriority))
	return s
}

// State returns the current FSM state under the session monitor.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastStatusReason returns the last session-status notification's reason.
func (s *Session) LastStatusReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatusReason
}

// SetState sets the FSM state and reason under the session monitor and
// wakes any Serializer step awaiting a transition (spec §5, §9:
// "condition-variable waits" reimplemented as sync.Cond).
func (s *Session) SetState(newState State, reason string) {
	s.mu.Lock()
	s.state = newState
	s.lastStatusReason = reason
	s.mu.Unlock()
	s.cond.Broadcast()
}

// AwaitState blocks until the predicate over (state, reason) returns true
// or the condition variable is broadcast after the session is torn down.
// Callers are expected to pair this with a deadline-based cancellation at
// a higher level (Serializer steps use context.Context with a timeout and
// poll the predicate on each wake).
func (s *Session) AwaitState(predicate func(state State, reason string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !predicate(s.state, s.lastStatusReason) {
		s.cond.Wait()
	}
}

// Broadcast wakes every goroutine blocked in AwaitState without changing
// state -- used by the Serializer to unblock a step on deadline expiry.
func (s *Session) Broadcast() { s.cond.Broadcast() }

// Params returns a copy of the currently committed parameters.
func (s *Session) Params() Params {
	s.paramsMu.RLock()
	defer s.paramsMu.RUnlock()
	return s.params
}

// SetParams replaces the committed parameters (builder-derived copy, spec
// §3 "Params are immutable once committed ... mutation occurs only by
// replacement").
func (s *Session) SetParams(p Params) {
	s.paramsMu.Lock()
	s.params = p
	s.paramsMu.Unlock()
}

// StackPriority returns the session's current stack priority, which may
// have changed since open due to fg/bg transitions.
func (s *Session) StackPriority() uint8 { return uint8(s.stackPriority.Load()) }

// SetStackPriority updates the session's current stack priority. It never
// touches PriorityGivenToUwbs (invariant 6).
func (s *Session) SetStackPriority(p uint8) { s.stackPriority.Store(uint32(p)) }

// PriorityGivenToUwbs returns the priority snapshot taken at open time.
func (s *Session) PriorityGivenToUwbs() uint8 { return s.priorityGivenToUwbs }

// RecommitPriorityGivenToUwbs re-snapshots PriorityGivenToUwbs from the
// current StackPriority. Spec invariant 6: "only re-committed on next OPEN
// or START." Called by the Serializer at the start of those two steps.
func (s *Session) RecommitPriorityGivenToUwbs() {
	s.priorityGivenToUwbs = s.StackPriority()
}

// Token returns the UWBS-assigned SessionToken (zero until INIT completes).
func (s *Session) Token() SessionToken { return SessionToken(s.token.Load()) }

// SetToken records the UWBS-assigned SessionToken after INIT.
func (s *Session) SetToken(t SessionToken) { s.token.Store(uint32(t)) }

// AddControlee is idempotent: adding an address already present is a no-op
// that reports false. It is a low-level set primitive; the Serializer's
// reconfigure algorithm (spec §4.6) is responsible for deciding which
// client callback (controlee_added / controlee_add_failed) the caller
// result translates to, since that decision also depends on native-layer
// per-controlee status this method has no visibility into.
func (s *Session) AddControlee(addr UwbAddress, filterHandle any) bool {
	s.controleesMu.Lock()
	defer s.controleesMu.Unlock()
	if _, exists := s.controlees[addr]; exists {
		return false
	}
	s.controlees[addr] = &Controlee{Addr: addr, FilterHandle: filterHandle}
	return true
}

// RemoveControlee is idempotent: removing an address not present is a
// no-op that reports false. See AddControlee's doc comment for why this
// does not itself emit a client callback.
func (s *Session) RemoveControlee(addr UwbAddress) bool {
	s.controleesMu.Lock()
	defer s.controleesMu.Unlock()
	if _, exists := s.controlees[addr]; !exists {
		return false
	}
	delete(s.controlees, addr)
	return true
}

// Controlees returns a snapshot of the current controlee addresses.
func (s *Session) Controlees() []UwbAddress {
	s.controleesMu.Lock()
	defer s.controleesMu.Unlock()
	out := make([]UwbAddress, 0, len(s.controlees))
	for addr := range s.controlees {
		out = append(out, addr)
	}
	return out
}

// ControleeCount reports the number of live controlees.
func (s *Session) ControleeCount() int {
	s.controleesMu.Lock()
	defer s.controleesMu.Unlock()
	return len(s.controlees)
}

// GetAndIncrementDataTxSeq allocates the next 16-bit TX sequence number,
// wrapping from 0xFFFF to 0x0000 (spec §3, boundary behavior in §8).
func (s *Session) GetAndIncrementDataTxSeq() uint16 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	seq := uint16(s.nextTxSeq)
	s.nextTxSeq = (s.nextTxSeq + 1) & 0xFFFF
	return seq
}

// AddSendInfo records a pending TX under its sequence number.
func (s *Session) AddSendInfo(seq uint16, info SendInfo) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	cp := info
	s.sendPending[seq] = &cp
}

// GetSendInfo returns the pending TX record for seq, if any.
func (s *Session) GetSendInfo(seq uint16) (SendInfo, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	info, ok := s.sendPending[seq]
	if !ok {
		return SendInfo{}, false
	}
	return *info, true
}

// IncrementSendTxCount bumps the tx_count for a pending send and returns
// the new value, which the Router reports in DataBundle.TxCount. The Router
// removes the record on the first send-status notification whatever the
// count; repetitions are not tracked.
func (s *Session) IncrementSendTxCount(seq uint16) (uint8, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	info, ok := s.sendPending[seq]
	if !ok {
		return 0, false
	}
	info.TxCount++
	return info.TxCount, true
}

// RemoveSendInfo deletes a pending TX record, e.g. after the matching
// send-status notification completes it, or on session teardown.
func (s *Session) RemoveSendInfo(seq uint16) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	delete(s.sendPending, seq)
}

// DrainAllSendInfo removes and returns every pending TX record, used at
// teardown (spec §9, open question 3: entries that never completed are
// removed on teardown).
func (s *Session) DrainAllSendInfo() map[uint16]SendInfo {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	out := make(map[uint16]SendInfo, len(s.sendPending))
	for seq, info := range s.sendPending {
		out[seq] = *info
	}
	s.sendPending = make(map[uint16]*SendInfo)
	return out
}

// AddReceived inserts a received packet into addr's ordered window,
// applying the capacity-and-ordering policy of spec §3.
func (s *Session) AddReceived(addr UwbAddress, seq uint16, payload []byte) {
	s.receivedMu.Lock()
	defer s.receivedMu.Unlock()
	w, ok := s.received[addr]
	if !ok {
		w = newReceivedWindow(s.nRx)
		s.received[addr] = w
	}
	w.add(seq, payload)
	s.remoteAddrsSeenMu.Lock()
	s.remoteAddrsSeen[addr] = struct{}{}
	s.remoteAddrsSeenMu.Unlock()
}

// DrainReceived returns addr's buffered packets in ascending sequence
// order and clears the window.
func (s *Session) DrainReceived(addr UwbAddress) []ReceivedPacket {
	s.receivedMu.Lock()
	defer s.receivedMu.Unlock()
	w, ok := s.received[addr]
	if !ok {
		return nil
	}
	return w.drain()
}

// RemoteAddrsSeen returns every remote address this session has ever
// exchanged data with, used for advertise-target cleanup on teardown
// (spec §3 "remote_addrs_seen").
func (s *Session) RemoteAddrsSeen() []UwbAddress {
	s.remoteAddrsSeenMu.Lock()
	defer s.remoteAddrsSeenMu.Unlock()
	out := make([]UwbAddress, 0, len(s.remoteAddrsSeen))
	for addr := range s.remoteAddrsSeen {
		out = append(out, addr)
	}
	return out
}

// SetMcastUpdateStatus stores the last-seen multicast-list update result
// and wakes any Serializer step awaiting it.
func (s *Session) SetMcastUpdateStatus(status *MulticastUpdateStatus) {
	s.mcastUpdateStatusMu.Lock()
	s.mcastUpdateStatus = status
	s.mcastUpdateStatusMu.Unlock()
	s.cond.Broadcast()
}

// TakeMcastUpdateStatus consumes and clears the last-seen multicast-list
// update result.
func (s *Session) TakeMcastUpdateStatus() *MulticastUpdateStatus {
	s.mcastUpdateStatusMu.Lock()
	defer s.mcastUpdateStatusMu.Unlock()
	status := s.mcastUpdateStatus
	s.mcastUpdateStatus = nil
	return status
}

// MarkClosed records that closed() has been emitted, so later in-flight
// callbacks can be suppressed (spec §8 invariant: "after closed is
// emitted, no further callbacks are emitted"). Reports whether this call
// is the one that transitioned the flag (i.e. whether the caller should
// actually emit closed).
func (s *Session) MarkClosed() bool {
	return s.closed.CompareAndSwap(false, true)
}

// IsClosed reports whether closed() has already been emitted.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// SetCloseReasonOverride records the reason the next Closed callback and
// registry removal should report, taking precedence over whatever the wire
// notification's reason code maps to. Used when the cause of teardown is
// known locally before the native round-trip completes, e.g. admission
// eviction (spec §4.5, §8 Scenario 2).
func (s *Session) SetCloseReasonOverride(reason Reason) {
	s.closeReasonOverride.Store(uint32(reason) + 1)
}

// CloseReasonOverride returns the overridden close reason, if one was set.
func (s *Session) CloseReasonOverride() (Reason, bool) {
	v := s.closeReasonOverride.Load()
	if v == 0 {
		return ReasonOK, false
	}
	return Reason(v - 1), true
}
