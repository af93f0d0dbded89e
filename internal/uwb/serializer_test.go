package uwb_test

import (
	"context"
	"testing"
	"time"

	"github.com/dantte-lp/uwbd/internal/native"
	"github.com/dantte-lp/uwbd/internal/uwb"
)

type serializerStack struct {
	registry   *uwb.Registry
	serializer *uwb.Serializer
	cancel     context.CancelFunc
}

func newSerializerStack(t *testing.T, policies map[uwb.ChipID]uwb.CapacityPolicy) *serializerStack {
	t.Helper()

	registry := uwb.NewRegistry(policies)
	advertise := uwb.NewAdvertiseStore()
	router := uwb.NewRouter(registry, advertise, uwb.RouterConfig{})
	sink := uwb.NewNativeSink(router)
	driver := native.NewSimulator(native.SimulatorConfig{Sink: sink, RangingInterval: 20 * time.Millisecond})
	serializer := uwb.NewSerializer(uwb.SerializerConfig{
		Driver:    driver,
		Registry:  registry,
		Router:    router,
		Advertise: advertise,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go router.Run(ctx)
	go serializer.Run(ctx)

	return &serializerStack{registry: registry, serializer: serializer, cancel: cancel}
}

func TestSerializerOpenStartStopDeinitLifecycle(t *testing.T) {
	t.Parallel()

	stack := newSerializerStack(t, map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	defer stack.cancel()

	cb := &recordingCallbacks{}
	cfg := uwb.SessionConfig{
		Handle:    1,
		SessionID: 1,
		ChipID:    "uwb0",
		Protocol:  uwb.ProtocolFira,
		Params:    uwb.NewFiraParams(uwb.FiraParams{}),
		Callbacks: cb,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := stack.serializer.OpenRanging(ctx, cfg); err != nil {
		t.Fatalf("OpenRanging: %v", err)
	}
	session, ok := stack.registry.ByHandle(1)
	if !ok {
		t.Fatal("session not admitted after OpenRanging")
	}
	if got := session.State(); got != uwb.StateIdle {
		t.Fatalf("state after OpenRanging = %v, want StateIdle", got)
	}

	if err := stack.serializer.StartRanging(ctx, 1); err != nil {
		t.Fatalf("StartRanging: %v", err)
	}
	if got := session.State(); got != uwb.StateActive {
		t.Fatalf("state after StartRanging = %v, want StateActive", got)
	}

	if err := stack.serializer.StopRanging(ctx, 1); err != nil {
		t.Fatalf("StopRanging: %v", err)
	}
	if got := session.State(); got != uwb.StateStopped {
		t.Fatalf("state after StopRanging = %v, want StateStopped", got)
	}

	if err := stack.serializer.Deinit(ctx, 1); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if _, ok := stack.registry.ByHandle(1); ok {
		t.Error("session still present in the registry after Deinit")
	}
}

func TestSerializerStartRangingWrongStateRejected(t *testing.T) {
	t.Parallel()

	stack := newSerializerStack(t, map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	defer stack.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := uwb.SessionConfig{
		Handle:    1,
		SessionID: 1,
		ChipID:    "uwb0",
		Protocol:  uwb.ProtocolFira,
		Callbacks: &recordingCallbacks{},
	}
	if err := stack.serializer.OpenRanging(ctx, cfg); err != nil {
		t.Fatalf("OpenRanging: %v", err)
	}

	if err := stack.serializer.StopRanging(ctx, 1); err != uwb.ErrInvalidSessionState {
		t.Errorf("StopRanging from Idle: err = %v, want ErrInvalidSessionState", err)
	}
}

func TestSerializerReconfigureAddsControleeAndNotifies(t *testing.T) {
	t.Parallel()

	stack := newSerializerStack(t, map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	defer stack.cancel()

	cb := &recordingCallbacks{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := uwb.SessionConfig{
		Handle:    1,
		SessionID: 1,
		ChipID:    "uwb0",
		Protocol:  uwb.ProtocolFira,
		Params:    uwb.NewFiraParams(uwb.FiraParams{}),
		Callbacks: cb,
	}
	if err := stack.serializer.OpenRanging(ctx, cfg); err != nil {
		t.Fatalf("OpenRanging: %v", err)
	}
	if err := stack.serializer.StartRanging(ctx, 1); err != nil {
		t.Fatalf("StartRanging: %v", err)
	}

	addr := uwb.ShortAddress(0x42)
	if err := stack.serializer.Reconfigure(ctx, 1, uwb.ReconfigureRequest{AddControlees: []uwb.UwbAddress{addr}}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	session, _ := stack.registry.ByHandle(1)
	controlees := session.Controlees()
	if len(controlees) != 1 || controlees[0] != addr {
		t.Errorf("session.Controlees() = %v, want [%v]", controlees, addr)
	}
}

func TestSerializerDrainAllStopsAndDeinitsEverySession(t *testing.T) {
	t.Parallel()

	stack := newSerializerStack(t, map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 4}})
	defer stack.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for h := uwb.SessionHandle(1); h <= 2; h++ {
		cfg := uwb.SessionConfig{
			Handle:    h,
			SessionID: uwb.SessionID(h),
			ChipID:    "uwb0",
			Protocol:  uwb.ProtocolFira,
			Callbacks: &recordingCallbacks{},
		}
		if err := stack.serializer.OpenRanging(ctx, cfg); err != nil {
			t.Fatalf("OpenRanging(%d): %v", h, err)
		}
		if err := stack.serializer.StartRanging(ctx, h); err != nil {
			t.Fatalf("StartRanging(%d): %v", h, err)
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer drainCancel()
	if err := stack.serializer.DrainAll(drainCtx); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}

	if len(stack.registry.All()) != 0 {
		t.Errorf("len(registry.All()) = %d, want 0 after DrainAll", len(stack.registry.All()))
	}
}

func TestSerializerOpenRangingEvictsAndClosesLowerPriority(t *testing.T) {
	t.Parallel()

	stack := newSerializerStack(t, map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 1}})
	defer stack.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lowCb := &recordingCallbacks{}
	low := uwb.SessionConfig{
		Handle:        1,
		SessionID:     1,
		ChipID:        "uwb0",
		Protocol:      uwb.ProtocolFira,
		StackPriority: uwb.PriorityBG,
		Callbacks:     lowCb,
	}
	if err := stack.serializer.OpenRanging(ctx, low); err != nil {
		t.Fatalf("OpenRanging(low): %v", err)
	}
	if err := stack.serializer.StartRanging(ctx, 1); err != nil {
		t.Fatalf("StartRanging(low): %v", err)
	}

	highCb := &recordingCallbacks{}
	high := uwb.SessionConfig{
		Handle:        2,
		SessionID:     2,
		ChipID:        "uwb0",
		Protocol:      uwb.ProtocolFira,
		StackPriority: uwb.PriorityFG,
		Callbacks:     highCb,
	}
	if err := stack.serializer.OpenRanging(ctx, high); err != nil {
		t.Fatalf("OpenRanging(high): %v", err)
	}

	if _, ok := stack.registry.ByHandle(2); !ok {
		t.Fatal("admitted session missing from the registry")
	}

	waitFor(t, time.Second, func() bool { return len(lowCb.snapshot().closed) > 0 })
	if got := lowCb.snapshot().closed[0]; got != uwb.ReasonMaxSessionsReached {
		t.Fatalf("evicted session closed reason = %v, want ReasonMaxSessionsReached", got)
	}

	if _, ok := stack.registry.ByHandle(1); ok {
		t.Error("evicted session still present in the registry once teardown completed")
	}
}

func TestSerializerSendDataWhileNotActiveRejected(t *testing.T) {
	t.Parallel()

	stack := newSerializerStack(t, map[uwb.ChipID]uwb.CapacityPolicy{"uwb0": {MaxFira: 2}})
	defer stack.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := uwb.SessionConfig{
		Handle:    1,
		SessionID: 1,
		ChipID:    "uwb0",
		Protocol:  uwb.ProtocolFira,
		Callbacks: &recordingCallbacks{},
	}
	if err := stack.serializer.OpenRanging(ctx, cfg); err != nil {
		t.Fatalf("OpenRanging: %v", err)
	}

	if err := stack.serializer.SendData(ctx, 1, uwb.ShortAddress(1), []byte("x")); err != uwb.ErrInvalidSessionState {
		t.Errorf("SendData while Idle: err = %v, want ErrInvalidSessionState", err)
	}
}
