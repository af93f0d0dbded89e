package uwb

import "sync"

// CapacityPolicy bounds the number of concurrently open sessions per
// protocol family on one chip (spec §4.5). Fira sessions are preemptable:
// when the limit is reached, the Registry looks for a lower-priority Fira
// session to evict in favor of the new one. Ccc and Aliro sessions are
// never preempted -- their limit is a hard reject, grounded on the
// teacher's max_sessions_reached admission check in its unsolicited-BFD
// listener, which likewise only ever rejects and never evicts.
type CapacityPolicy struct {
	MaxFira  int
	MaxCcc   int
	MaxAliro int
}

func (p CapacityPolicy) limitFor(protocol Protocol) int {
	switch protocol {
	case ProtocolFira:
		return p.MaxFira
	case ProtocolCcc:
		return p.MaxCcc
	case ProtocolAliro:
		return p.MaxAliro
	default:
		return 0
	}
}

// ClosedRecord is one entry in the Registry's bounded recently-closed
// history, exposed to clients for post-mortem diagnostics (spec §12
// supplement; no teacher or original_source analog -- the admin API's
// GET /v1/sessions/closed serves this list directly).
type ClosedRecord struct {
	Handle    SessionHandle
	SessionID SessionID
	ChipID    ChipID
	Protocol  Protocol
	Reason    Reason
}

const recentlyClosedCapacity = 5

// Registry is the Session admission and lookup authority (spec §4.5, C5).
// It owns three independent indices over the same set of live sessions:
// by opaque handle (the primary key), by (chip, client session id) for
// client-facing API calls, and by UWBS-assigned token for wire-notification
// dispatch from the Router. A fourth, by client uid, serves the fg/bg
// observer (C7); privileged sessions are left out of it.
type Registry struct {
	mu sync.Mutex

	policies map[ChipID]CapacityPolicy

	byHandle map[SessionHandle]*Session
	byID     map[ChipID]map[SessionID]*Session
	byToken  map[SessionToken]*Session
	byUID    map[uint32]map[SessionHandle]*Session

	protocolCounts map[ChipID]map[Protocol]int

	recentlyClosed []ClosedRecord
}

// NewRegistry constructs an empty Registry governed by policies, one entry
// per chip the host exposes.
func NewRegistry(policies map[ChipID]CapacityPolicy) *Registry {
	return &Registry{
		policies:       policies,
		byHandle:       make(map[SessionHandle]*Session),
		byID:           make(map[ChipID]map[SessionID]*Session),
		byToken:        make(map[SessionToken]*Session),
		byUID:          make(map[uint32]map[SessionHandle]*Session),
		protocolCounts: make(map[ChipID]map[Protocol]int),
	}
}

// Admit checks the capacity policy for s.ChipID/s.Protocol and, if there is
// room (or a lower-priority Fira session can be evicted), adds s to the
// Registry. On success it returns the evicted session, if any -- still
// fully indexed, not removed. The caller (the Serializer) is responsible
// for driving that session's teardown through the normal stop/deinit path;
// only once the real DEINIT_NTF lands does the Router's ActionCleanupRegistry
// remove it here. Removing it eagerly would break the Router's by-token
// lookup before the native layer has actually acknowledged the teardown.
//
// Ccc and Aliro never evict: at capacity they return ErrMaxSessionsReached
// outright (spec §4.5).
func (r *Registry) Admit(s *Session) (evicted *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHandle[s.Handle]; exists {
		return nil, ErrSessionDuplicate
	}
	if byID, ok := r.byID[s.ChipID]; ok {
		if _, exists := byID[s.SessionID]; exists {
			return nil, ErrSessionDuplicate
		}
	}

	policy, ok := r.policies[s.ChipID]
	if !ok {
		return nil, ErrUnknownChip
	}
	limit := policy.limitFor(s.Protocol)
	counts := r.protocolCounts[s.ChipID]
	current := counts[s.Protocol]

	if current >= limit {
		if s.Protocol != ProtocolFira {
			return nil, ErrMaxSessionsReached
		}
		victim := r.lowestPriorityFira(s.ChipID, s.StackPriority())
		if victim == nil {
			return nil, ErrMaxSessionsReached
		}
		evicted = victim
	}

	r.insertLocked(s)
	return evicted, nil
}

// lowestPriorityFira returns the lowest-stack-priority Fira session on chip
// whose priority is strictly below newPriority, or nil if none qualifies.
// Caller must hold r.mu.
func (r *Registry) lowestPriorityFira(chip ChipID, newPriority uint8) *Session {
	var victim *Session
	for handle, s := range r.byHandle {
		if s.ChipID != chip || s.Protocol != ProtocolFira {
			continue
		}
		if s.StackPriority() >= newPriority {
			continue
		}
		if victim == nil || s.StackPriority() < victim.StackPriority() {
			victim = r.byHandle[handle]
		}
	}
	return victim
}

// insertLocked adds s to every index. Caller must hold r.mu.
func (r *Registry) insertLocked(s *Session) {
	r.byHandle[s.Handle] = s

	byID, ok := r.byID[s.ChipID]
	if !ok {
		byID = make(map[SessionID]*Session)
		r.byID[s.ChipID] = byID
	}
	byID[s.SessionID] = s

	if r.protocolCounts[s.ChipID] == nil {
		r.protocolCounts[s.ChipID] = make(map[Protocol]int)
	}
	r.protocolCounts[s.ChipID][s.Protocol]++

	if s.Privileged {
		return
	}
	byUID, ok := r.byUID[s.UID]
	if !ok {
		byUID = make(map[SessionHandle]*Session)
		r.byUID[s.UID] = byUID
	}
	byUID[s.Handle] = s
}

// BindToken records the UWBS-assigned token for s once INIT completes, so
// later wire notifications can be dispatched by token alone.
func (r *Registry) BindToken(s *Session, token SessionToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.SetToken(token)
	r.byToken[token] = s
}

// Remove deletes s from every index and appends a ClosedRecord to the
// bounded recently-closed history.
func (r *Registry) Remove(s *Session, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s)
	r.recentlyClosed = append(r.recentlyClosed, ClosedRecord{
		Handle:    s.Handle,
		SessionID: s.SessionID,
		ChipID:    s.ChipID,
		Protocol:  s.Protocol,
		Reason:    reason,
	})
	if len(r.recentlyClosed) > recentlyClosedCapacity {
		r.recentlyClosed = r.recentlyClosed[len(r.recentlyClosed)-recentlyClosedCapacity:]
	}
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.byHandle, s.Handle)
	if byID, ok := r.byID[s.ChipID]; ok {
		delete(byID, s.SessionID)
	}
	if s.Token() != 0 {
		delete(r.byToken, s.Token())
	}
	if byUID, ok := r.byUID[s.UID]; ok {
		delete(byUID, s.Handle)
		if len(byUID) == 0 {
			delete(r.byUID, s.UID)
		}
	}
	if counts, ok := r.protocolCounts[s.ChipID]; ok {
		counts[s.Protocol]--
		if counts[s.Protocol] < 0 {
			counts[s.Protocol] = 0
		}
	}
}

// ByHandle looks up a session by its opaque handle.
func (r *Registry) ByHandle(handle SessionHandle) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHandle[handle]
	return s, ok
}

// BySessionID looks up a session by (chip, client-assigned id).
func (r *Registry) BySessionID(chip ChipID, id SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.byID[chip]
	if !ok {
		return nil, false
	}
	s, ok := byID[id]
	return s, ok
}

// ByToken looks up a session by its UWBS-assigned token, the identifier
// carried on wire notifications.
func (r *Registry) ByToken(token SessionToken) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byToken[token]
	return s, ok
}

// ByUID returns every live session opened by client uid, used by the fg/bg
// observer to re-prioritize a whole process's sessions at once.
func (r *Registry) ByUID(uid uint32) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUID, ok := r.byUID[uid]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(byUID))
	for _, s := range byUID {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every live session, used for shutdown draining
// and the admin API's session list.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		out = append(out, s)
	}
	return out
}

// RecentlyClosed returns the bounded history of recently-torn-down
// sessions, oldest first.
func (r *Registry) RecentlyClosed() []ClosedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClosedRecord, len(r.recentlyClosed))
	copy(out, r.recentlyClosed)
	return out
}
