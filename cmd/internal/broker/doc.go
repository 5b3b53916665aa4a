// Package broker owns the single AMQP connection and channel of the process and the
// producer/consumer built on top of it.
//
// The reconnect policy is the pure function Next; Manager feeds it transport events and
// executes the returned actions.
package broker
