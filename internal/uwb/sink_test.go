package uwb

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/dantte-lp/uwbd/internal/native"
)

func TestStateFromWire(t *testing.T) {
	t.Parallel()

	cases := map[uint8]State{
		native.WireStateInit:   StateInit,
		native.WireStateIdle:   StateIdle,
		native.WireStateActive: StateActive,
		native.WireStateDeinit: StateDeinit,
		99:                     StateInit,
	}
	for wire, want := range cases {
		if got := stateFromWire(wire); got != want {
			t.Errorf("stateFromWire(%d) = %v, want %v", wire, got, want)
		}
	}
}

func TestAddressFromWireShortAndExtended(t *testing.T) {
	t.Parallel()

	short := addressFromWire([]byte{0x12, 0x34})
	if short.Kind() != AddressShort || short.AsShort() != 0x1234 {
		t.Errorf("addressFromWire(2 bytes) = %+v, want short 0x1234", short)
	}

	ext := addressFromWire([]byte{0, 0, 0, 0, 0, 0, 0x12, 0x34})
	if ext.Kind() != AddressExtended || ext.AsExtended() != 0x1234 {
		t.Errorf("addressFromWire(8 bytes) = %+v, want extended 0x1234", ext)
	}
}

func TestNativeSinkOnSessionStatusTranslatesStateAndToken(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(map[ChipID]CapacityPolicy{"uwb0": {MaxFira: 2}})
	advertise := NewAdvertiseStore()
	router := NewRouter(registry, advertise, RouterConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	s := NewSession(SessionConfig{Handle: 1, SessionID: 1, ChipID: "uwb0", Protocol: ProtocolFira, Callbacks: NoopCallbacks{}})
	if _, err := registry.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	registry.BindToken(s, SessionToken(42))

	sink := NewNativeSink(router)
	sink.OnSessionStatus(native.SessionToken(42), native.WireStateIdle, "", false)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateIdle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session state = %v, want StateIdle after OnSessionStatus", s.State())
}

func TestNativeSinkOnMulticastListUpdateDecodesHexKeys(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(map[ChipID]CapacityPolicy{"uwb0": {MaxFira: 2}})
	advertise := NewAdvertiseStore()
	router := NewRouter(registry, advertise, RouterConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	s := NewSession(SessionConfig{Handle: 1, SessionID: 1, ChipID: "uwb0", Protocol: ProtocolFira, Callbacks: NoopCallbacks{}})
	if _, err := registry.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	registry.BindToken(s, SessionToken(7))

	addr := ShortAddress(0xBEEF)
	hexKey := hex.EncodeToString(addr.Bytes())

	sink := NewNativeSink(router)
	sink.OnMulticastListUpdate(native.SessionToken(7), map[string]string{hexKey: "ok"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if status := s.TakeMcastUpdateStatus(); status != nil {
			if reason, ok := status.PerAddressStatus[addr]; !ok || reason != ReasonOK {
				t.Fatalf("PerAddressStatus[%v] = (%v, %v), want (ReasonOK, true)", addr, reason, ok)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("multicast list update never reached the session")
}

func TestNativeSinkOnMulticastListUpdateSkipsMalformedHex(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(map[ChipID]CapacityPolicy{"uwb0": {MaxFira: 2}})
	advertise := NewAdvertiseStore()
	router := NewRouter(registry, advertise, RouterConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	s := NewSession(SessionConfig{Handle: 1, SessionID: 1, ChipID: "uwb0", Protocol: ProtocolFira, Callbacks: NoopCallbacks{}})
	if _, err := registry.Admit(s); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	registry.BindToken(s, SessionToken(7))

	sink := NewNativeSink(router)
	sink.OnMulticastListUpdate(native.SessionToken(7), map[string]string{"not-hex": "ok"})

	// Enqueue a second, well-formed update and wait for it; if the
	// malformed entry had wedged the router this would time out.
	addr := ShortAddress(1)
	sink.OnMulticastListUpdate(native.SessionToken(7), map[string]string{hex.EncodeToString(addr.Bytes()): "ok"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if status := s.TakeMcastUpdateStatus(); status != nil {
			if len(status.PerAddressStatus) != 1 {
				t.Fatalf("PerAddressStatus = %+v, want exactly the well-formed entry", status.PerAddressStatus)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("well-formed update never reached the session")
}
