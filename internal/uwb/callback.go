package uwb

// RangeData is the raw per-round ranging result handed up from the native
// layer. Its internal shape (distance, AoA, measurement list) is out of
// scope for this module -- it is forwarded opaquely to the client.
type RangeData struct {
	SessionID       uint32
	MeasurementType MeasurementType
	Measurements    []RangeMeasurement
}

// RangeMeasurement is one controlee's result within a RangeData report.
type RangeMeasurement struct {
	Address UwbAddress
	StatusOK bool
	DistanceCm uint32
	AoaDegrees float64
}

// DataBundle carries the correlation fields the client needs to match a
// data_sent/data_send_failed/data_received callback to the call that
// produced it.
type DataBundle struct {
	SessionID uint32
	Seq       uint16
	TxCount   uint8
}

// Reason enumerates the error-taxonomy values (spec §7) carried by
// callbacks that report why a session or controlee changed state.
type Reason uint8

const (
	ReasonOK Reason = iota
	ReasonLocalAPI
	ReasonSystemPolicy
	ReasonMaxSessionsReached
	ReasonLostConnection
	ReasonTimeout
	ReasonNativeFailure
	ReasonBadParameters
	ReasonInvalidState
	ReasonRejected
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonLocalAPI:
		return "local_api"
	case ReasonSystemPolicy:
		return "system_policy"
	case ReasonMaxSessionsReached:
		return "max_sessions_reached"
	case ReasonLostConnection:
		return "lost_connection"
	case ReasonTimeout:
		return "timeout"
	case ReasonNativeFailure:
		return "native_failure"
	case ReasonBadParameters:
		return "bad_parameters"
	case ReasonInvalidState:
		return "invalid_state"
	case ReasonRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ClientCallbacks is the per-session sink supplied at open (spec §6,
// "Client callback sink"). Implementations must not block: the Serializer
// invokes these synchronously from its single event-loop goroutine, and a
// slow client would stall every other operation on the session.
//
// This mirrors the teacher's single-method PacketSender/StateCallback
// interfaces scaled up to the session manager's much larger callback
// surface -- one method per distinct event named in spec §6, rather than a
// single tagged-union event type, so each call site stays self-documenting.
type ClientCallbacks interface {
	Opened(params Params)
	OpenedFailed(reason Reason, params Params)
	Started(params Params)
	StartFailed(status Reason)
	Stopped(reason Reason)
	StoppedWithReason(reasonCode string)
	Closed(reason Reason)

	RangingResult(data RangeData)

	DataReceived(addr UwbAddress, bundle DataBundle, payload []byte)
	DataSent(addr UwbAddress, bundle DataBundle)
	DataSendFailed(addr UwbAddress, status Reason, bundle DataBundle)

	ControleeAdded(addr UwbAddress)
	ControleeRemoved(addr UwbAddress, reason Reason)
	ControleeAddFailed(addr UwbAddress, status Reason)
	ControleeRemoveFailed(addr UwbAddress, status Reason, reason Reason)

	RangingReconfigured()
	RangingReconfigureFailed(status Reason)
	RangingPaused()
	RangingResumed()
	RangingRoundsUpdateStatus(bundle DataBundle)

	HybridSessionControllerConfigured()
	HybridSessionControllerConfigureFailed(status Reason)
	HybridSessionControleeConfigured()
	HybridSessionControleeConfigureFailed(status Reason)

	DataTransferPhaseConfigured()
	DataTransferPhaseConfigureFailed(status Reason)
}

// NoopCallbacks implements ClientCallbacks with no-ops. Useful as a base to
// embed in tests that only care about a handful of the ~25 methods.
type NoopCallbacks struct{}

func (NoopCallbacks) Opened(Params)                                  {}
func (NoopCallbacks) OpenedFailed(Reason, Params)                    {}
func (NoopCallbacks) Started(Params)                                 {}
func (NoopCallbacks) StartFailed(Reason)                             {}
func (NoopCallbacks) Stopped(Reason)                                 {}
func (NoopCallbacks) StoppedWithReason(string)                       {}
func (NoopCallbacks) Closed(Reason)                                  {}
func (NoopCallbacks) RangingResult(RangeData)                        {}
func (NoopCallbacks) DataReceived(UwbAddress, DataBundle, []byte)    {}
func (NoopCallbacks) DataSent(UwbAddress, DataBundle)                {}
func (NoopCallbacks) DataSendFailed(UwbAddress, Reason, DataBundle)  {}
func (NoopCallbacks) ControleeAdded(UwbAddress)                      {}
func (NoopCallbacks) ControleeRemoved(UwbAddress, Reason)            {}
func (NoopCallbacks) ControleeAddFailed(UwbAddress, Reason)          {}
func (NoopCallbacks) ControleeRemoveFailed(UwbAddress, Reason, Reason) {}
func (NoopCallbacks) RangingReconfigured()                           {}
func (NoopCallbacks) RangingReconfigureFailed(Reason)                {}
func (NoopCallbacks) RangingPaused()                                 {}
func (NoopCallbacks) RangingResumed()                                {}
func (NoopCallbacks) RangingRoundsUpdateStatus(DataBundle)           {}
func (NoopCallbacks) HybridSessionControllerConfigured()             {}
func (NoopCallbacks) HybridSessionControllerConfigureFailed(Reason)  {}
func (NoopCallbacks) HybridSessionControleeConfigured()              {}
func (NoopCallbacks) HybridSessionControleeConfigureFailed(Reason)   {}
func (NoopCallbacks) DataTransferPhaseConfigured()                   {}
func (NoopCallbacks) DataTransferPhaseConfigureFailed(Reason)        {}
