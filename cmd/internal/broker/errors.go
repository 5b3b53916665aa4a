package broker

import "errors"

var (
	// ErrConnection wraps dial and connection-level failures.
	ErrConnection = errors.New("broker connection error")
	// ErrChannel wraps channel-level failures.
	ErrChannel = errors.New("broker channel error")
	// ErrChannelUnavailable is returned by Manager.Channel when no channel could be obtained.
	ErrChannelUnavailable = errors.New("broker channel unavailable")
	// ErrGaveUp means the reconnect budget is exhausted; only Restart leaves this state.
	ErrGaveUp = errors.New("broker reconnect attempts exhausted")
	// ErrClosed is returned after Manager.Close.
	ErrClosed = errors.New("broker manager closed")

	// ErrPoisonMessage marks a delivery that can never be processed. Handlers wrap it to have
	// the message rejected without requeue.
	ErrPoisonMessage = errors.New("poison message")
)
