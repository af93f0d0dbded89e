package uwb

import (
	"encoding/hex"

	"github.com/dantte-lp/uwbd/internal/native"
)

// NativeSink adapts a *Router onto native.NotificationSink, translating
// between the native layer's wire-shaped notification arguments (raw
// bytes, wire state codes, string-keyed maps) and the core's richer
// domain types. native must not depend on uwb, so this conversion lives
// here rather than in the native package.
type NativeSink struct {
	router *Router
}

// NewNativeSink wraps router so it can be passed as a native.Driver's
// NotificationSink.
func NewNativeSink(router *Router) *NativeSink {
	return &NativeSink{router: router}
}

var _ native.NotificationSink = (*NativeSink)(nil)

func stateFromWire(w uint8) State {
	switch w {
	case native.WireStateInit:
		return StateInit
	case native.WireStateIdle:
		return StateIdle
	case native.WireStateActive:
		return StateActive
	case native.WireStateDeinit:
		return StateDeinit
	default:
		return StateInit
	}
}

func addressFromWire(b []byte) UwbAddress {
	if len(b) <= 2 {
		var v uint16
		for _, c := range b {
			v = v<<8 | uint16(c)
		}
		return ShortAddress(v)
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return ExtendedAddress(v)
}

func (s *NativeSink) OnSessionStatus(token native.SessionToken, state uint8, reasonCode string, stopInFlight bool) {
	s.router.OnSessionStatus(SessionToken(token), stateFromWire(state), reasonCode, stopInFlight)
}

func (s *NativeSink) OnRangeData(token native.SessionToken, data native.RangeDataReport) {
	measurements := make([]RangeMeasurement, 0, len(data.Measurements))
	for _, m := range data.Measurements {
		measurements = append(measurements, RangeMeasurement{
			Address:    addressFromWire(m.Address),
			StatusOK:   m.StatusOK,
			DistanceCm: m.DistanceCm,
			AoaDegrees: m.AoaDegrees,
		})
	}
	s.router.OnRangeData(SessionToken(token), RangeData{
		MeasurementType: MeasurementType(data.MeasurementType),
		Measurements:    measurements,
	})
}

func (s *NativeSink) OnDataReceived(token native.SessionToken, addr []byte, seq uint16, payload []byte) {
	s.router.OnDataReceived(SessionToken(token), addressFromWire(addr), seq, payload)
}

func (s *NativeSink) OnDataSendStatus(token native.SessionToken, seq uint16, ok bool, reasonCode string) {
	s.router.OnDataSendStatus(SessionToken(token), seq, ok, reasonFromCode(reasonCode))
}

// OnMulticastListUpdate decodes hex-encoded address keys, the form
// native.Driver implementations key their per-address status maps with
// (see Simulator.addrKey), back into UwbAddress values.
func (s *NativeSink) OnMulticastListUpdate(token native.SessionToken, perAddressStatus map[string]string) {
	out := make(map[UwbAddress]Reason, len(perAddressStatus))
	for addrHex, reasonStr := range perAddressStatus {
		raw, err := hex.DecodeString(addrHex)
		if err != nil {
			continue
		}
		out[addressFromWire(raw)] = reasonFromCode(reasonStr)
	}
	s.router.OnMulticastListUpdate(SessionToken(token), out)
}
