package uwb

import "sync"

// AdvertiseTarget is one remote address an OwR-AoA advertiser session is
// tracking. Pointed becomes true once the advertiser's AoA estimate for
// addr falls inside the session's configured gate (spec §4.3); until then,
// data received from addr is buffered rather than delivered.
type AdvertiseTarget struct {
	Addr    UwbAddress
	Pointed bool
}

// AdvertiseStore is the per-session set of OwR-AoA advertise targets (spec
// §3, C3). It has no teacher analog -- BFD has no directional-antenna
// concept -- so its shape is grounded on the same
// map-of-map-guarded-by-one-mutex idiom the Registry uses for its indices,
// scaled down to two levels instead of three.
type AdvertiseStore struct {
	mu      sync.Mutex
	targets map[SessionHandle]map[UwbAddress]*AdvertiseTarget
}

// NewAdvertiseStore constructs an empty AdvertiseStore.
func NewAdvertiseStore() *AdvertiseStore {
	return &AdvertiseStore{targets: make(map[SessionHandle]map[UwbAddress]*AdvertiseTarget)}
}

// Update upserts the pointed state for (handle, addr) and reports whether
// this call is the transition from not-pointed (or absent) to pointed --
// the Router uses that transition to trigger a one-time drain of addr's
// buffered received data (spec §4.3 scenario 3).
func (s *AdvertiseStore) Update(handle SessionHandle, addr UwbAddress, pointed bool) (justPointed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAddr, ok := s.targets[handle]
	if !ok {
		byAddr = make(map[UwbAddress]*AdvertiseTarget)
		s.targets[handle] = byAddr
	}
	target, ok := byAddr[addr]
	if !ok {
		target = &AdvertiseTarget{Addr: addr}
		byAddr[addr] = target
	}
	wasPointed := target.Pointed
	target.Pointed = pointed
	return pointed && !wasPointed
}

// IsPointed reports whether (handle, addr) is currently pointed. Absent
// targets report false: data is buffered, not delivered, until the first
// Update call establishes the target.
func (s *AdvertiseStore) IsPointed(handle SessionHandle, addr UwbAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAddr, ok := s.targets[handle]
	if !ok {
		return false
	}
	target, ok := byAddr[addr]
	return ok && target.Pointed
}

// Remove deletes a single target, e.g. when a controlee is removed from an
// advertiser session.
func (s *AdvertiseStore) Remove(handle SessionHandle, addr UwbAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byAddr, ok := s.targets[handle]; ok {
		delete(byAddr, addr)
	}
}

// RemoveSession drops every target for handle and returns the addresses
// that were pointed, so the caller can decide whether any final drain is
// owed before the session's receive buffers are discarded (ActionDrain
// AdvertiseTargets, spec §4.4.1 stop transition).
func (s *AdvertiseStore) RemoveSession(handle SessionHandle) []UwbAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAddr, ok := s.targets[handle]
	if !ok {
		return nil
	}
	addrs := make([]UwbAddress, 0, len(byAddr))
	for addr := range byAddr {
		addrs = append(addrs, addr)
	}
	delete(s.targets, handle)
	return addrs
}
