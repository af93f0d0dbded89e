// Package native defines the boundary between the session-manager core
// (internal/uwb) and the UWBS (UWB Subsystem) it drives. The command
// surface here is a direct Go mapping of the UCI command set named in
// spec §6; the wire encoding of any individual command is the UWBS
// vendor's concern and stays out of scope, exactly as the original spec
// describes it as "the narrow command/notification boundary."
package native

import "context"

// SessionToken is the UWBS-assigned session handle, opaque to this
// package beyond its use as a map key in the simulator.
type SessionToken uint32

// KVConfig is the opaque key-value parameter bag a caller passes for
// SET_APP_CONFIG / session config style commands, mirroring
// uwb.Params.ToKVBag's output shape without importing the uwb package
// (native must not depend on uwb; uwb depends on native).
type KVConfig map[string]any

// Driver is the command surface the session-manager core issues against
// a UWBS (spec §6). Every method blocks until the UWBS either accepts or
// rejects the command at the transport layer; the resulting state-machine
// notification (success or failure) always arrives later, asynchronously,
// through NotificationSink -- a Driver method returning nil only means
// "the command was accepted for processing," not "the requested state
// change has happened."
type Driver interface {
	// OpenSession issues INIT for a new session and returns the
	// UWBS-assigned token.
	OpenSession(ctx context.Context, chip string, sessionID uint32, sessionType uint8) (SessionToken, error)
	SetAppConfig(ctx context.Context, token SessionToken, config KVConfig) error
	StartRanging(ctx context.Context, token SessionToken) error
	StopRanging(ctx context.Context, token SessionToken) error
	Deinit(ctx context.Context, token SessionToken) error
	Reconfigure(ctx context.Context, token SessionToken, config KVConfig) error
	AddControlee(ctx context.Context, token SessionToken, addr []byte) error
	RemoveControlee(ctx context.Context, token SessionToken, addr []byte) error
	SendData(ctx context.Context, token SessionToken, addr []byte, seq uint16, payload []byte) error
	UpdateDtTagRangingRounds(ctx context.Context, token SessionToken, rounds []byte) error
	SetHybridControllerConfig(ctx context.Context, token SessionToken, config KVConfig) error
	SetHybridControleeConfig(ctx context.Context, token SessionToken, config KVConfig) error
	ConfigureDataTransferPhase(ctx context.Context, token SessionToken, config KVConfig) error
	// QueryTimestamp returns the UWBS's current free-running timestamp in
	// microseconds, used to compute an absolute initiation time from a
	// client-supplied relative one (spec §4.6).
	QueryTimestamp(ctx context.Context, token SessionToken) (uint64, error)
}

// RangeMeasurementReport is one controlee's measurement within a
// RangeDataReport, in the native layer's address-as-bytes representation.
type RangeMeasurementReport struct {
	Address    []byte
	StatusOK   bool
	DistanceCm uint32
	AoaDegrees float64
}

// RangeDataReport is a native ranging-result notification payload.
type RangeDataReport struct {
	MeasurementType uint8
	Measurements    []RangeMeasurementReport
}

// NotificationSink is implemented by the session-manager core (uwb.Router)
// to receive asynchronous UWBS notifications (spec §4.2, §6). A Driver
// implementation (in production, a real UCI transport; here, Simulator)
// calls these methods from whatever goroutine the notification arrived
// on -- the sink implementation is responsible for not blocking that
// goroutine for long.
type NotificationSink interface {
	OnSessionStatus(token SessionToken, state uint8, reasonCode string, stopInFlight bool)
	OnRangeData(token SessionToken, data RangeDataReport)
	OnDataReceived(token SessionToken, addr []byte, seq uint16, payload []byte)
	OnDataSendStatus(token SessionToken, seq uint16, ok bool, reasonCode string)
	OnMulticastListUpdate(token SessionToken, perAddressStatus map[string]string)
}

// Wire-level session states, matching the UWBS's own four-state lifecycle
// (spec §6); the core's richer uwb.State (which distinguishes Stopped
// from Idle) is derived from these plus context by uwb.NotificationEvent.
const (
	WireStateInit   uint8 = 0
	WireStateIdle   uint8 = 1
	WireStateActive uint8 = 2
	WireStateDeinit uint8 = 3
)
