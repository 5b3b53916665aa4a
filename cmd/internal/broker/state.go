package broker

import "fmt"

// State of the broker link.
type State uint8

const (
	Disconnected State = iota
	Connecting
	ConnectedNoChannel
	ConnectedWithChannel
	GaveUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ConnectedNoChannel:
		return "connected_no_channel"
	case ConnectedWithChannel:
		return "connected_with_channel"
	case GaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Event is something the transport (or an operator) reports to the link.
type Event uint8

const (
	EventConnectRequested Event = iota
	EventDialSucceeded
	EventDialFailed
	EventChannelOpened
	EventChannelFailed
	EventConnectionLost
	EventChannelLost
	EventRestart
)

func (e Event) String() string {
	switch e {
	case EventConnectRequested:
		return "connect_requested"
	case EventDialSucceeded:
		return "dial_succeeded"
	case EventDialFailed:
		return "dial_failed"
	case EventChannelOpened:
		return "channel_opened"
	case EventChannelFailed:
		return "channel_failed"
	case EventConnectionLost:
		return "connection_lost"
	case EventChannelLost:
		return "channel_lost"
	case EventRestart:
		return "restart"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Action is what the manager must do after a transition.
type Action uint8

const (
	ActionNone Action = iota
	ActionDial
	ActionOpenChannel
	ActionScheduleRetry
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDial:
		return "dial"
	case ActionOpenChannel:
		return "open_channel"
	case ActionScheduleRetry:
		return "schedule_retry"
	case ActionGiveUp:
		return "give_up"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Link is the broker link state. Attempts counts reconnects scheduled since the last full recovery.
type Link struct {
	State    State
	Attempts int
}

// Next is the reconnect policy. It is pure: the same inputs always give the same outputs.
//
// Every failure (dial, channel escalation, connection loss) schedules one retry until
// maxAttempts retries have been scheduled without a recovery; the next failure gives up.
// Opening a channel is the recovery signal and resets Attempts.
func Next(l Link, ev Event, maxAttempts int) (Link, Action) {
	if l.State == GaveUp && ev != EventRestart {
		return l, ActionNone
	}

	switch ev {
	case EventConnectRequested:
		switch l.State {
		case Disconnected:
			return Link{State: Connecting, Attempts: l.Attempts}, ActionDial
		case ConnectedNoChannel:
			return l, ActionOpenChannel
		}
		return l, ActionNone

	case EventDialSucceeded:
		if l.State != Connecting {
			return l, ActionNone
		}
		return Link{State: ConnectedNoChannel, Attempts: l.Attempts}, ActionOpenChannel

	case EventDialFailed:
		if l.State != Connecting {
			return l, ActionNone
		}
		return fail(l, maxAttempts)

	case EventChannelOpened:
		if l.State != ConnectedNoChannel {
			return l, ActionNone
		}
		return Link{State: ConnectedWithChannel}, ActionNone

	case EventChannelFailed:
		// Local recreation failed: escalate to the connection path.
		if l.State != ConnectedNoChannel {
			return l, ActionNone
		}
		return fail(l, maxAttempts)

	case EventConnectionLost:
		if l.State == Disconnected {
			return l, ActionNone
		}
		return fail(l, maxAttempts)

	case EventChannelLost:
		if l.State != ConnectedWithChannel {
			return l, ActionNone
		}
		return Link{State: ConnectedNoChannel, Attempts: l.Attempts}, ActionOpenChannel

	case EventRestart:
		switch l.State {
		case Disconnected, GaveUp:
			return Link{State: Disconnected}, ActionDial
		}
		return Link{State: l.State}, ActionNone
	}

	return l, ActionNone
}

func fail(l Link, maxAttempts int) (Link, Action) {
	if l.Attempts >= maxAttempts {
		return Link{State: GaveUp, Attempts: l.Attempts}, ActionGiveUp
	}
	return Link{State: Disconnected, Attempts: l.Attempts + 1}, ActionScheduleRetry
}
