// Package relay implements the room registry, connection sessions and the
// broadcast dispatcher behind the cohort chat event channel.
//
// A Hub owns every piece of mutable room state and mutates it from a single
// goroutine (Hub.Run). Transports attach their connections, decode inbound
// frames with Decode and hand the resulting events to Hub.Dispatch. Chat
// messages are stored through a Gateway before any member sees them.
package relay
