package uwb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/uwbd/internal/native"
)

// commandTimeout bounds how long the Serializer waits for a UWBS
// notification to correlate with a posted command before giving up and
// reporting ErrTimeout (spec §4.6).
const commandTimeout = 2 * time.Second

// commandKind names the posted-event surface of the Serializer (spec §3,
// C6): "single-threaded cooperative event loop over posted events."
type commandKind uint8

const (
	cmdOpenRanging commandKind = iota
	cmdStartRanging
	cmdStopRanging
	cmdReconfigure
	cmdDeinit
	cmdOnDeinit
	cmdSendData
	cmdUpdateDtTagRounds
	cmdSetHusControllerConfig
	cmdSetHusControleeConfig
	cmdDataTransferPhaseConfig
)

// ReconfigureRequest carries the subset of a reconfigure round this package
// supports: a new Params to commit, plus controlee add/remove deltas applied
// in the same round.
type ReconfigureRequest struct {
	NewParams     *Params
	AddControlees []UwbAddress
	RemoveAddrs   []UwbAddress
}

type sendDataRequest struct {
	addr    UwbAddress
	payload []byte
}

type command struct {
	kind   commandKind
	handle SessionHandle

	openCfg      SessionConfig
	reconfigure  ReconfigureRequest
	sendData     sendDataRequest
	dtTagRounds  []byte
	husConfig    KVBag
	reply        chan error
}

// Serializer is the single-threaded cooperative event loop (C6) that owns
// every mutating interaction with the native driver. It is grounded on the
// teacher's timer-driven runLoop: one goroutine draining one channel, so
// no two commands for different sessions ever race on the native layer.
// Unlike the teacher's loop (which reacts only to its own timers), this
// loop is driven entirely by posted client commands; the Router's
// notification handlers (which run concurrently on their own goroutine)
// signal completion back to a waiting command via each Session's condition
// variable, never by calling into the Serializer directly.
type Serializer struct {
	driver    native.Driver
	registry  *Registry
	router    *Router
	advertise *AdvertiseStore
	logger    *slog.Logger

	commands chan *command
}

// SerializerConfig configures Serializer construction.
type SerializerConfig struct {
	Driver      native.Driver
	Registry    *Registry
	Router      *Router
	Advertise   *AdvertiseStore
	Logger      *slog.Logger
	QueueDepth  int
}

// NewSerializer constructs a Serializer. Call Run in its own goroutine
// before posting any command.
func NewSerializer(cfg SerializerConfig) *Serializer {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{
		driver:    cfg.Driver,
		registry:  cfg.Registry,
		router:    cfg.Router,
		advertise: cfg.Advertise,
		logger:    logger,
		commands:  make(chan *command, depth),
	}
}

// Run processes posted commands one at a time until ctx is cancelled.
func (sz *Serializer) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-sz.commands:
			cmd.reply <- sz.dispatch(ctx, cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (sz *Serializer) post(ctx context.Context, cmd *command) error {
	cmd.reply = make(chan error, 1)
	select {
	case sz.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sz *Serializer) dispatch(ctx context.Context, cmd *command) error {
	switch cmd.kind {
	case cmdOpenRanging:
		return sz.openRanging(ctx, cmd.openCfg)
	case cmdStartRanging:
		return sz.startRanging(ctx, cmd.handle)
	case cmdStopRanging:
		return sz.stopRanging(ctx, cmd.handle)
	case cmdReconfigure:
		return sz.reconfigure(ctx, cmd.handle, cmd.reconfigure)
	case cmdDeinit, cmdOnDeinit:
		return sz.deinit(ctx, cmd.handle)
	case cmdSendData:
		return sz.sendData(ctx, cmd.handle, cmd.sendData)
	case cmdUpdateDtTagRounds:
		return sz.updateDtTagRounds(ctx, cmd.handle, cmd.dtTagRounds)
	case cmdSetHusControllerConfig:
		return sz.setHusConfig(ctx, cmd.handle, cmd.husConfig, true)
	case cmdSetHusControleeConfig:
		return sz.setHusConfig(ctx, cmd.handle, cmd.husConfig, false)
	case cmdDataTransferPhaseConfig:
		return sz.dataTransferPhaseConfig(ctx, cmd.handle, cmd.husConfig)
	default:
		return fmt.Errorf("uwb: unknown command kind %d", cmd.kind)
	}
}

// OpenRanging admits a new session, issues INIT and SET_APP_CONFIG, and
// waits for the resulting IDLE_NTF (spec §4.4.1, §4.6).
func (sz *Serializer) OpenRanging(ctx context.Context, cfg SessionConfig) error {
	return sz.post(ctx, &command{kind: cmdOpenRanging, openCfg: cfg})
}

func (sz *Serializer) openRanging(ctx context.Context, cfg SessionConfig) error {
	if cfg.Protocol != ProtocolCcc && cfg.Protocol != ProtocolAliro && cfg.Protocol != ProtocolFira {
		return ErrBadParameters
	}
	session := NewSession(cfg)
	session.RecommitPriorityGivenToUwbs()

	evicted, err := sz.registry.Admit(session)
	if err != nil {
		return err
	}
	if evicted != nil {
		sz.logger.Info("evicting lower-priority session for admission",
			"evicted_handle", evicted.Handle, "new_handle", session.Handle)
		evicted.SetCloseReasonOverride(ReasonMaxSessionsReached)
		if stopErr := sz.stopRanging(ctx, evicted.Handle); stopErr != nil {
			sz.logger.Warn("eviction stop failed", "handle", evicted.Handle, "error", stopErr)
		}
		if err := sz.deinit(ctx, evicted.Handle); err != nil {
			sz.logger.Warn("eviction deinit failed", "handle", evicted.Handle, "error", err)
		}
	}

	token, err := sz.driver.OpenSession(ctx, string(session.ChipID), uint32(session.SessionID), uint8(session.Type))
	if err != nil {
		sz.registry.Remove(session, ReasonNativeFailure)
		return &NativeFailure{Operation: "open_session", Status: 1}
	}
	sz.registry.BindToken(session, native.SessionToken(token)) //nolint:unconvert

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if !sz.awaitStateOrDeadline(ctx, session, StateInit) {
		return ErrTimeout
	}

	if err := sz.driver.SetAppConfig(ctx, native.SessionToken(token), session.Params().ToKVBag().toNativeConfig()); err != nil {
		return &NativeFailure{Operation: "set_app_config", Status: 1}
	}
	if !sz.awaitStateOrDeadline(ctx, session, StateIdle) {
		session.Callbacks.OpenedFailed(ReasonTimeout, session.Params())
		return ErrTimeout
	}
	return nil
}

// toNativeConfig adapts a uwb.KVBag to native.KVConfig. Both are
// map[string]any under the hood; the conversion exists to keep the
// native package free of any internal/uwb import.
func (b KVBag) toNativeConfig() native.KVConfig {
	out := make(native.KVConfig, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// awaitStateOrDeadline blocks until session reaches want or ctx expires,
// whichever comes first. It polls via the session's condition variable,
// woken by Router.runActions on every state change (spec §9).
func (sz *Serializer) awaitStateOrDeadline(ctx context.Context, session *Session, want State) bool {
	done := make(chan struct{})
	go func() {
		session.AwaitState(func(state State, _ string) bool { return state == want || state == StateError })
		close(done)
	}()
	select {
	case <-done:
		return session.State() == want
	case <-ctx.Done():
		session.Broadcast()
		return false
	}
}

// StartRanging issues the start command and waits for ACTIVE_NTF.
func (sz *Serializer) StartRanging(ctx context.Context, handle SessionHandle) error {
	return sz.post(ctx, &command{kind: cmdStartRanging, handle: handle})
}

func (sz *Serializer) startRanging(ctx context.Context, handle SessionHandle) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	state := session.State()
	if state != StateIdle && state != StateStopped {
		return ErrInvalidSessionState
	}
	session.RecommitPriorityGivenToUwbs()

	if err := sz.resolveAbsoluteInitiation(ctx, session); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sz.driver.StartRanging(ctx, native.SessionToken(session.Token())); err != nil {
		session.Callbacks.StartFailed(ReasonNativeFailure)
		return &NativeFailure{Operation: "start_ranging", Status: 1}
	}
	if !sz.awaitStateOrDeadline(ctx, session, StateActive) {
		session.Callbacks.StartFailed(ReasonTimeout)
		return ErrTimeout
	}
	if session.ErrorStreak == nil {
		perControlee := session.Params().Role == RoleController && session.Params().Measurement == MeasurementTwoWay
		session.ErrorStreak = NewErrorStreak(DefaultErrorStreakDuration, perControlee, func(addr UwbAddress) {
			if perControlee && session.ControleeCount() > 1 {
				sz.logger.Warn("error streak expired for controlee, removing from multicast list",
					"handle", session.Handle, "addr", addr)
				_ = sz.Reconfigure(context.Background(), session.Handle, ReconfigureRequest{RemoveAddrs: []UwbAddress{addr}})
				return
			}
			sz.logger.Warn("error streak expired, stopping session", "handle", session.Handle, "addr", addr)
			_ = sz.StopRanging(context.Background(), session.Handle)
		})
	}
	return nil
}

// resolveAbsoluteInitiation implements the absolute-initiation-time
// handling of spec §4.6: a client-supplied relative initiation time is
// converted to an absolute UWBS timestamp once, at start time, so a
// subsequent reconfigure-triggered restart does not re-derive a new
// (and now-stale) absolute time from the original relative offset.
func (sz *Serializer) resolveAbsoluteInitiation(ctx context.Context, session *Session) error {
	params := session.Params()
	if params.InitiationAbsoluteUs != 0 || params.InitiationRelativeMs == 0 {
		return nil
	}
	now, err := sz.driver.QueryTimestamp(ctx, native.SessionToken(session.Token()))
	if err != nil {
		return &NativeFailure{Operation: "query_timestamp", Status: 1}
	}
	absolute := now + uint64(params.InitiationRelativeMs)*1000
	session.SetParams(params.WithAbsoluteInitiation(absolute))
	return nil
}

// StopRanging issues the stop command and waits for the IDLE_NTF landing
// in StateStopped.
func (sz *Serializer) StopRanging(ctx context.Context, handle SessionHandle) error {
	return sz.post(ctx, &command{kind: cmdStopRanging, handle: handle})
}

func (sz *Serializer) stopRanging(ctx context.Context, handle SessionHandle) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	if session.State() != StateActive {
		return ErrInvalidSessionState
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sz.driver.StopRanging(ctx, native.SessionToken(session.Token())); err != nil {
		return &NativeFailure{Operation: "stop_ranging", Status: 1}
	}
	if !sz.awaitStateOrDeadline(ctx, session, StateStopped) {
		return ErrTimeout
	}
	return nil
}

// Deinit issues the deinit command and waits for DEINIT_NTF.
func (sz *Serializer) Deinit(ctx context.Context, handle SessionHandle) error {
	return sz.post(ctx, &command{kind: cmdDeinit, handle: handle})
}

// OnDeinit is the UWBS-initiated (not client-requested) teardown entry
// point; it behaves identically to Deinit but is named separately per spec
// §4.4's listed operations. Eviction and DrainAll use deinit/Deinit.
func (sz *Serializer) OnDeinit(ctx context.Context, handle SessionHandle) error {
	return sz.post(ctx, &command{kind: cmdOnDeinit, handle: handle})
}

func (sz *Serializer) deinit(ctx context.Context, handle SessionHandle) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	if session.State() == StateDeinit {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sz.driver.Deinit(ctx, native.SessionToken(session.Token())); err != nil {
		return &NativeFailure{Operation: "deinit", Status: 1}
	}
	if !sz.awaitStateOrDeadline(ctx, session, StateDeinit) {
		return ErrTimeout
	}
	for _, info := range session.DrainAllSendInfo() {
		session.Callbacks.DataSendFailed(info.Addr, ReasonLocalAPI, DataBundle{SessionID: uint32(session.SessionID)})
	}
	return nil
}

// SendData posts a send-data command, allocating the next TX sequence
// number and handing the payload to the native layer (spec §3, §4.2).
func (sz *Serializer) SendData(ctx context.Context, handle SessionHandle, addr UwbAddress, payload []byte) error {
	return sz.post(ctx, &command{kind: cmdSendData, handle: handle, sendData: sendDataRequest{addr: addr, payload: payload}})
}

func (sz *Serializer) sendData(ctx context.Context, handle SessionHandle, req sendDataRequest) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	if session.State() != StateActive {
		return ErrInvalidSessionState
	}
	seq := session.GetAndIncrementDataTxSeq()
	session.AddSendInfo(seq, SendInfo{Addr: req.addr, Params: session.Params(), Payload: req.payload})

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sz.driver.SendData(ctx, native.SessionToken(session.Token()), req.addr.ExtendedBytes(), seq, req.payload); err != nil {
		session.RemoveSendInfo(seq)
		return &NativeFailure{Operation: "send_data", Status: 1}
	}
	return nil
}

// Reconfigure applies the multi-step reconfiguration algorithm of spec
// §4.6: issue per-address controlee removals then additions through the
// native layer, wait for the multicast-list-update notification, then
// commit new params (if supplied) and issue RECONFIGURE with them.
func (sz *Serializer) Reconfigure(ctx context.Context, handle SessionHandle, req ReconfigureRequest) error {
	return sz.post(ctx, &command{kind: cmdReconfigure, handle: handle, reconfigure: req})
}

func (sz *Serializer) reconfigure(ctx context.Context, handle SessionHandle, req ReconfigureRequest) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	state := session.State()
	if state != StateActive && state != StateIdle && state != StateStopped {
		return ErrInvalidSessionState
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// Step 1: controlee removals.
	for _, addr := range req.RemoveAddrs {
		if !session.RemoveControlee(addr) {
			session.Callbacks.ControleeRemoveFailed(addr, ReasonRejected, ReasonOK)
			continue
		}
		if err := sz.driver.RemoveControlee(ctx, native.SessionToken(session.Token()), addr.ExtendedBytes()); err != nil {
			session.Callbacks.ControleeRemoveFailed(addr, ReasonNativeFailure, ReasonOK)
			continue
		}
		sz.advertise.Remove(session.Handle, addr)
	}

	// Step 2: controlee additions.
	for _, addr := range req.AddControlees {
		if !session.AddControlee(addr, nil) {
			session.Callbacks.ControleeAddFailed(addr, ReasonRejected)
			continue
		}
		if err := sz.driver.AddControlee(ctx, native.SessionToken(session.Token()), addr.ExtendedBytes()); err != nil {
			session.RemoveControlee(addr)
			session.Callbacks.ControleeAddFailed(addr, ReasonNativeFailure)
			continue
		}
	}

	// Step 3: wait for the multicast-list-update notification to confirm
	// native-layer acceptance, if any membership change was requested.
	if len(req.AddControlees) > 0 || len(req.RemoveAddrs) > 0 {
		status := sz.awaitMcastStatus(ctx, session)
		if status == nil {
			return ErrTimeout
		}
		for addr, reason := range status.PerAddressStatus {
			if reason == ReasonOK {
				session.Callbacks.ControleeAdded(addr)
			}
		}
	}

	// Step 4: commit any new Params.
	if req.NewParams == nil {
		return nil
	}
	session.SetParams(*req.NewParams)

	// Step 5: push the parameter delta to the native layer.
	if err := sz.driver.Reconfigure(ctx, native.SessionToken(session.Token()), req.NewParams.ToKVBag().toNativeConfig()); err != nil {
		session.Callbacks.RangingReconfigureFailed(ReasonNativeFailure)
		return &NativeFailure{Operation: "reconfigure", Status: 1}
	}

	// Step 6: report success.
	session.Callbacks.RangingReconfigured()
	return nil
}

func (sz *Serializer) awaitMcastStatus(ctx context.Context, session *Session) *MulticastUpdateStatus {
	deadline := time.Now().Add(commandTimeout)
	for {
		if status := session.TakeMcastUpdateStatus(); status != nil {
			return status
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// UpdateDtTagRangingRounds posts the DT-Tag ranging-round update command.
func (sz *Serializer) UpdateDtTagRangingRounds(ctx context.Context, handle SessionHandle, rounds []byte) error {
	return sz.post(ctx, &command{kind: cmdUpdateDtTagRounds, handle: handle, dtTagRounds: rounds})
}

func (sz *Serializer) updateDtTagRounds(ctx context.Context, handle SessionHandle, rounds []byte) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	if session.Type != SessionTypeDtTag {
		return ErrBadParameters
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sz.driver.UpdateDtTagRangingRounds(ctx, native.SessionToken(session.Token()), rounds); err != nil {
		session.Callbacks.RangingRoundsUpdateStatus(DataBundle{SessionID: uint32(session.SessionID)})
		return &NativeFailure{Operation: "update_dt_tag_ranging_rounds", Status: 1}
	}
	session.Callbacks.RangingRoundsUpdateStatus(DataBundle{SessionID: uint32(session.SessionID)})
	return nil
}

// SetHusControllerConfig posts the hybrid-session controller config
// command.
func (sz *Serializer) SetHusControllerConfig(ctx context.Context, handle SessionHandle, config KVBag) error {
	return sz.post(ctx, &command{kind: cmdSetHusControllerConfig, handle: handle, husConfig: config})
}

// SetHusControleeConfig posts the hybrid-session controlee config command.
func (sz *Serializer) SetHusControleeConfig(ctx context.Context, handle SessionHandle, config KVBag) error {
	return sz.post(ctx, &command{kind: cmdSetHusControleeConfig, handle: handle, husConfig: config})
}

func (sz *Serializer) setHusConfig(ctx context.Context, handle SessionHandle, config KVBag, controller bool) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	var err error
	if controller {
		err = sz.driver.SetHybridControllerConfig(ctx, native.SessionToken(session.Token()), config.toNativeConfig())
	} else {
		err = sz.driver.SetHybridControleeConfig(ctx, native.SessionToken(session.Token()), config.toNativeConfig())
	}
	if err != nil {
		if controller {
			session.Callbacks.HybridSessionControllerConfigureFailed(ReasonNativeFailure)
		} else {
			session.Callbacks.HybridSessionControleeConfigureFailed(ReasonNativeFailure)
		}
		return &NativeFailure{Operation: "set_hus_config", Status: 1}
	}
	if controller {
		session.Callbacks.HybridSessionControllerConfigured()
	} else {
		session.Callbacks.HybridSessionControleeConfigured()
	}
	return nil
}

// DataTransferPhaseConfig posts the data-transfer-phase config command.
func (sz *Serializer) DataTransferPhaseConfig(ctx context.Context, handle SessionHandle, config KVBag) error {
	return sz.post(ctx, &command{kind: cmdDataTransferPhaseConfig, handle: handle, husConfig: config})
}

func (sz *Serializer) dataTransferPhaseConfig(ctx context.Context, handle SessionHandle, config KVBag) error {
	session, ok := sz.registry.ByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sz.driver.ConfigureDataTransferPhase(ctx, native.SessionToken(session.Token()), config.toNativeConfig()); err != nil {
		session.Callbacks.DataTransferPhaseConfigureFailed(ReasonNativeFailure)
		return &NativeFailure{Operation: "data_transfer_phase_config", Status: 1}
	}
	session.Callbacks.DataTransferPhaseConfigured()
	return nil
}

// DrainAll issues a stop+deinit for every live session, used by graceful
// shutdown (spec §12 supplement). Errors from individual sessions are
// joined rather than aborting the drain early.
func (sz *Serializer) DrainAll(ctx context.Context) error {
	var errs []error
	for _, session := range sz.registry.All() {
		if session.State() == StateActive {
			if err := sz.StopRanging(ctx, session.Handle); err != nil {
				errs = append(errs, fmt.Errorf("stop %d: %w", session.Handle, err))
			}
		}
		if err := sz.Deinit(ctx, session.Handle); err != nil {
			errs = append(errs, fmt.Errorf("deinit %d: %w", session.Handle, err))
		}
	}
	return errors.Join(errs...)
}
