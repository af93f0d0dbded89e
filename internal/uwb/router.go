package uwb

import (
	"context"
	"log/slog"
)

// Router is the Notification Router (spec §4.2, C2): the single point
// where asynchronous UWBS notifications enter the core and are dispatched
// to the owning Session. It mirrors the teacher's Receiver dispatch-loop
// shape (one goroutine draining a buffered channel of closures) rather
// than calling into sessions directly from the native layer's own
// goroutine -- that keeps a slow or blocked client callback from stalling
// whatever goroutine the native driver uses to deliver notifications.
type Router struct {
	registry  *Registry
	advertise *AdvertiseStore
	logger    *slog.Logger

	jobs chan func()
}

// RouterConfig configures the dispatch buffer depth. A full buffer means
// the Router is falling behind the native layer; rather than block (and
// risk the native driver itself stalling), the offending notification is
// logged and dropped (spec §12 addition).
type RouterConfig struct {
	BufferSize int
	Logger     *slog.Logger
}

// NewRouter constructs a Router. Call Run in its own goroutine before any
// On* method is used.
func NewRouter(registry *Registry, advertise *AdvertiseStore, cfg RouterConfig) *Router {
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		advertise: advertise,
		logger:    logger,
		jobs:      make(chan func(), size),
	}
}

// Run drains the dispatch buffer until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case job := <-r.jobs:
			job()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) enqueue(name string, job func()) {
	select {
	case r.jobs <- job:
	default:
		r.logger.Warn("router dispatch buffer full, dropping notification", "notification", name)
	}
}

// reasonFromCode maps a UWBS wire reason string to the Reason taxonomy
// (spec §7). Unrecognized codes map to ReasonNativeFailure rather than
// ReasonOK, so an unmapped code never silently reads as success.
func reasonFromCode(code string) Reason {
	switch code {
	case "", ReasonStateChangeWithSessionMgmtCommands:
		return ReasonOK
	case "local_api":
		return ReasonLocalAPI
	case "system_policy":
		return ReasonSystemPolicy
	case "max_sessions_reached":
		return ReasonMaxSessionsReached
	case "lost_connection":
		return ReasonLostConnection
	case "timeout":
		return ReasonTimeout
	case "bad_parameters":
		return ReasonBadParameters
	case "invalid_state":
		return ReasonInvalidState
	case "rejected":
		return ReasonRejected
	default:
		return ReasonNativeFailure
	}
}

// closeReason resolves the reason a Closed callback or registry removal
// should report: the session's override if one was set (e.g. admission
// eviction, decided before the native teardown round-trip completes),
// otherwise the wire notification's own reason code.
func closeReason(session *Session, reasonCode string) Reason {
	if override, ok := session.CloseReasonOverride(); ok {
		return override
	}
	return reasonFromCode(reasonCode)
}

// OnSessionStatus is the UWBS session-status notification sink. It derives
// the FSM Event via NotificationEvent, applies it, and executes every
// resulting Action against the session's state, timers, and callback sink.
func (r *Router) OnSessionStatus(token SessionToken, notifiedState State, reasonCode string, stopInFlight bool) {
	r.enqueue("session_status", func() {
		session, ok := r.registry.ByToken(token)
		if !ok {
			r.logger.Warn("session_status for unknown token", "token", token)
			return
		}
		event := NotificationEvent(session.State(), notifiedState, reasonCode, stopInFlight)
		result := ApplyEvent(session.State(), event)
		if !result.Changed {
			return
		}
		session.SetState(result.NewState, reasonCode)
		r.runActions(session, result.Actions, reasonCode)
	})
}

func (r *Router) runActions(session *Session, actions []Action, reasonCode string) {
	for _, action := range actions {
		switch action {
		case ActionEmitOpened:
			session.Callbacks.Opened(session.Params())
		case ActionEmitStarted:
			session.Callbacks.Started(session.Params())
		case ActionEmitStopped:
			session.Callbacks.Stopped(ReasonOK)
		case ActionEmitStoppedWithReason:
			session.Callbacks.StoppedWithReason(reasonCode)
		case ActionEmitClosed:
			if session.MarkClosed() {
				session.Callbacks.Closed(closeReason(session, reasonCode))
			}
		case ActionCancelTimers:
			if session.ErrorStreak != nil {
				session.ErrorStreak.Cancel()
			}
			if session.BgAppTimer != nil {
				session.BgAppTimer.Cancel()
			}
		case ActionDrainAdvertiseTargets:
			for _, addr := range r.advertise.RemoveSession(session.Handle) {
				session.DrainReceived(addr)
			}
		case ActionCleanupRegistry:
			r.registry.Remove(session, closeReason(session, reasonCode))
		}
	}
}

// rangingGatePass applies the session's NotificationGating filter to one
// measurement. Gating is disabled by default (Enabled == false), in which
// case every measurement passes unfiltered.
func rangingGatePass(gating NotificationGating, m RangeMeasurement) bool {
	if !gating.Enabled {
		return true
	}
	if gating.ProximityNearCm != 0 && m.DistanceCm < gating.ProximityNearCm {
		return false
	}
	if gating.ProximityFarCm != 0 && m.DistanceCm > gating.ProximityFarCm {
		return false
	}
	if gating.AoaGateDegrees != 0 {
		aoa := m.AoaDegrees
		if aoa < 0 {
			aoa = -aoa
		}
		if aoa > float64(gating.AoaGateDegrees) {
			return false
		}
	}
	return true
}

// OnRangeData is the UWBS ranging-result notification sink (spec §4.2). It
// applies the session's notification gate before delivery and, for OwR-AoA
// sessions, updates the Advertise Target Store's pointed state so a
// newly-pointed target's buffered data can be drained (spec §4.3).
func (r *Router) OnRangeData(token SessionToken, data RangeData) {
	r.enqueue("range_data", func() {
		session, ok := r.registry.ByToken(token)
		if !ok {
			r.logger.Warn("range_data for unknown token", "token", token)
			return
		}
		params := session.Params()
		filtered := data
		filtered.Measurements = make([]RangeMeasurement, 0, len(data.Measurements))
		for _, m := range data.Measurements {
			if rangingGatePass(params.Gating, m) {
				filtered.Measurements = append(filtered.Measurements, m)
			}
			if params.Measurement == MeasurementOwrAoa || params.Measurement == MeasurementOwrAoaAdvertiser {
				pointed := rangingGatePass(params.Gating, m) && m.StatusOK
				if r.advertise.Update(session.Handle, m.Address, pointed) {
					r.drainPointedAddr(session, m.Address)
				}
			}
			if session.ErrorStreak != nil {
				if m.StatusOK {
					session.ErrorStreak.Disarm(m.Address)
				} else {
					session.ErrorStreak.Arm(m.Address)
				}
			}
		}
		// A round with zero measurements is the UWBS edge case the
		// error-streak workaround exists for (spec §4.7): arm the
		// session-level timer directly, bypassing per-controlee keying.
		if len(data.Measurements) == 0 && session.ErrorStreak != nil {
			session.ErrorStreak.Arm(selfAddr)
		}
		if len(filtered.Measurements) == 0 {
			return
		}
		session.Callbacks.RangingResult(filtered)
	})
}

// drainPointedAddr delivers addr's buffered packets in sequence order, then
// removes the advertise target (spec §4.3: "drains ... then removes the
// advertiser target").
func (r *Router) drainPointedAddr(session *Session, addr UwbAddress) {
	for _, pkt := range session.DrainReceived(addr) {
		session.Callbacks.DataReceived(addr, DataBundle{SessionID: uint32(session.SessionID), Seq: pkt.Seq}, pkt.Payload)
	}
	r.advertise.Remove(session.Handle, addr)
}

// OnDataReceived is the UWBS data-received notification sink. Data for an
// OwR-AoA target that has not yet been confirmed pointed is buffered
// rather than delivered; everything else is delivered in sequence order
// immediately (spec §4.2, §4.3).
func (r *Router) OnDataReceived(token SessionToken, addr UwbAddress, seq uint16, payload []byte) {
	r.enqueue("data_received", func() {
		session, ok := r.registry.ByToken(token)
		if !ok {
			r.logger.Warn("data_received for unknown token", "token", token)
			return
		}
		session.AddReceived(addr, seq, payload)
		measurement := session.Params().Measurement
		gated := measurement == MeasurementOwrAoa || measurement == MeasurementOwrAoaAdvertiser
		if gated && !r.advertise.IsPointed(session.Handle, addr) {
			return
		}
		r.drainPointedAddr(session, addr)
	})
}

// OnDataSendStatus is the UWBS data-send-status notification sink. It
// finalizes the pending SendInfo record and reports success or failure to
// the client callback sink (spec §4.2).
func (r *Router) OnDataSendStatus(token SessionToken, seq uint16, ok bool, failureReason Reason) {
	r.enqueue("data_send_status", func() {
		session, found := r.registry.ByToken(token)
		if !found {
			r.logger.Warn("data_send_status for unknown token", "token", token)
			return
		}
		txCount, present := session.IncrementSendTxCount(seq)
		if !present {
			return
		}
		info, _ := session.GetSendInfo(seq)
		session.RemoveSendInfo(seq)
		bundle := DataBundle{SessionID: uint32(session.SessionID), Seq: seq, TxCount: txCount}
		if ok {
			session.Callbacks.DataSent(info.Addr, bundle)
			return
		}
		session.Callbacks.DataSendFailed(info.Addr, failureReason, bundle)
	})
}

// OnMulticastListUpdate is the UWBS multicast-list-update notification
// sink. It stores the per-address status for the Serializer's in-flight
// reconfigure step to consume (spec §4.6) and wakes anything waiting on it.
func (r *Router) OnMulticastListUpdate(token SessionToken, perAddressStatus map[UwbAddress]Reason) {
	r.enqueue("multicast_list_update", func() {
		session, ok := r.registry.ByToken(token)
		if !ok {
			r.logger.Warn("multicast_list_update for unknown token", "token", token)
			return
		}
		session.SetMcastUpdateStatus(&MulticastUpdateStatus{PerAddressStatus: perAddressStatus})
	})
}
