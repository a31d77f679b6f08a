// Package hub implements the connection registry using the actor pattern.
//
// One goroutine owns all registry state (connections, user index, topic
// subscriptions) and consumes a command channel, no mutexes. The same
// goroutine runs the heartbeat scheduler off a ticker owned by the actor,
// so the liveness task can never outlive the registry. Per-connection
// write goroutines with bounded buffers isolate slow clients.
package hub
