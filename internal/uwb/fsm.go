package uwb

// State is a Session's position in the lifecycle defined by spec §4.4.1:
// Init -> Idle -> Active -> Stopped -> Deinit, with Error reachable from any
// non-Deinit state. Stopped and Idle both accept a subsequent start; Stopped
// is the landing state after an explicit stop (its timers are guaranteed
// cancelled, invariant 2), where Idle is the landing state after open.
type State uint8

const (
	StateInit State = iota
	StateIdle
	StateActive
	StateStopped
	StateDeinit
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateDeinit:
		return "deinit"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a trigger applied to the state machine. Events name a specific
// notification/command outcome rather than a raw wire value, so the table
// below can fully determine the next state and side effects from
// (currentState, event) alone -- mirroring the BFD session FSM's
// (state, event) -> transition table.
type Event uint8

const (
	// EventNtfInit is the INIT_NTF following a successful open command.
	EventNtfInit Event = iota
	// EventNtfOpened is the IDLE_NTF following a successful set_app_configurations.
	EventNtfOpened
	// EventNtfStarted is the ACTIVE_NTF following a successful start command.
	EventNtfStarted
	// EventNtfStoppedLocal is the IDLE_NTF following a successful stop command.
	EventNtfStoppedLocal
	// EventNtfStoppedSpontaneous is an unsolicited Active->Idle notification
	// whose reason is not "state change with session management commands".
	EventNtfStoppedSpontaneous
	// EventNtfClosed is the DEINIT_NTF following a successful deinit command,
	// or any unsolicited DEINIT notification regardless of prior state.
	EventNtfClosed
	// EventNtfError is any UWBS-initiated notification reporting Error.
	EventNtfError
)

func (e Event) String() string {
	switch e {
	case EventNtfInit:
		return "ntf_init"
	case EventNtfOpened:
		return "ntf_opened"
	case EventNtfStarted:
		return "ntf_started"
	case EventNtfStoppedLocal:
		return "ntf_stopped_local"
	case EventNtfStoppedSpontaneous:
		return "ntf_stopped_spontaneous"
	case EventNtfClosed:
		return "ntf_closed"
	case EventNtfError:
		return "ntf_error"
	default:
		return "unknown"
	}
}

// Action is a side effect the Session/Serializer must perform after a
// transition. The FSM itself never performs the action; ApplyEvent only
// reports which ones are due, the caller (Router.runActions) executes
// them against the client callback sink and timer set.
type Action uint8

const (
	ActionEmitOpened Action = iota
	ActionEmitStarted
	ActionEmitStopped
	ActionEmitStoppedWithReason
	ActionEmitClosed
	ActionCancelTimers
	ActionDrainAdvertiseTargets
	ActionCleanupRegistry
)

func (a Action) String() string {
	switch a {
	case ActionEmitOpened:
		return "emit_opened"
	case ActionEmitStarted:
		return "emit_started"
	case ActionEmitStopped:
		return "emit_stopped"
	case ActionEmitStoppedWithReason:
		return "emit_stopped_with_reason"
	case ActionEmitClosed:
		return "emit_closed"
	case ActionCancelTimers:
		return "cancel_timers"
	case ActionDrainAdvertiseTargets:
		return "drain_advertise_targets"
	case ActionCleanupRegistry:
		return "cleanup_registry"
	default:
		return "unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// fsmTable fully encodes spec §4.4.1. Entries not present leave the state
// unchanged with no actions (FSMResult.Changed == false); the caller should
// log and drop, same as an out-of-window notification in a real UWBS.
//
//nolint:gochecknoglobals // lookup table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	{StateInit, EventNtfInit}:  {StateInit, nil},
	{StateInit, EventNtfOpened}: {StateIdle, []Action{ActionEmitOpened}},
	// Boundary case (spec §8): a session in Init receiving a DEINIT
	// notification transitions directly to Deinit and emits closed exactly
	// once.
	{StateInit, EventNtfClosed}: {StateDeinit, []Action{ActionEmitClosed, ActionCleanupRegistry}},
	{StateInit, EventNtfError}:  {StateError, []Action{ActionCancelTimers}},

	{StateIdle, EventNtfStarted}: {StateActive, []Action{ActionEmitStarted}},
	{StateIdle, EventNtfClosed}:  {StateDeinit, []Action{ActionEmitClosed, ActionCleanupRegistry}},
	{StateIdle, EventNtfError}:   {StateError, []Action{ActionCancelTimers}},

	{StateActive, EventNtfStoppedLocal}: {
		StateStopped,
		[]Action{ActionEmitStopped, ActionCancelTimers, ActionDrainAdvertiseTargets},
	},
	{StateActive, EventNtfStoppedSpontaneous}: {
		StateStopped,
		[]Action{ActionEmitStoppedWithReason, ActionCancelTimers, ActionDrainAdvertiseTargets},
	},
	{StateActive, EventNtfClosed}: {StateDeinit, []Action{ActionEmitClosed, ActionCleanupRegistry}},
	{StateActive, EventNtfError}:  {StateError, []Action{ActionCancelTimers}},

	{StateStopped, EventNtfStarted}: {StateActive, []Action{ActionEmitStarted}},
	{StateStopped, EventNtfClosed}:  {StateDeinit, []Action{ActionEmitClosed, ActionCleanupRegistry}},
	{StateStopped, EventNtfError}:   {StateError, []Action{ActionCancelTimers}},

	// Error is reachable from any non-Deinit state; a subsequent close is
	// still honored so the client always sees a terminal closed callback.
	{StateError, EventNtfClosed}: {StateDeinit, []Action{ActionEmitClosed, ActionCleanupRegistry}},
}

// FSMResult is the outcome of applying one event to the state machine.
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// ApplyEvent is a pure function: given the current state and an event,
// return the next state and the actions due. Unknown (state, event) pairs
// are silently ignored (Changed=false), matching an out-of-window or
// already-superseded notification.
func ApplyEvent(current State, event Event) FSMResult {
	t, ok := fsmTable[stateEvent{current, event}]
	if !ok {
		return FSMResult{OldState: current, NewState: current, Changed: false}
	}
	return FSMResult{
		OldState: current,
		NewState: t.newState,
		Actions:  t.actions,
		Changed:  true,
	}
}

// NotificationEvent derives the Event a raw UWBS session-status notification
// corresponds to, given the session's current state, whether a local stop
// command is in flight (awaited by the Serializer), and the notification's
// reason code. This is the UWB analog of the BFD FSM's RecvStateToEvent
// helper: it turns a wire-level signal into the semantically distinct event
// the table above expects.
func NotificationEvent(current State, notified State, reason string, stopInFlight bool) Event {
	switch notified {
	case StateInit:
		return EventNtfInit
	case StateIdle:
		if current == StateInit {
			return EventNtfOpened
		}
		if current == StateActive {
			if stopInFlight || reason == ReasonStateChangeWithSessionMgmtCommands {
				return EventNtfStoppedLocal
			}
			return EventNtfStoppedSpontaneous
		}
		return EventNtfOpened
	case StateActive:
		return EventNtfStarted
	case StateDeinit:
		return EventNtfClosed
	default:
		return EventNtfError
	}
}

// ReasonStateChangeWithSessionMgmtCommands is the UWBS reason code string
// used to distinguish a session-management-driven Idle notification from a
// spontaneous one (spec §4.4.1).
const ReasonStateChangeWithSessionMgmtCommands = "state_change_with_session_management_commands"
