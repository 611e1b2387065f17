// Package server exposes a relay.Hub over HTTP: the WebSocket event channel,
// health checks, the message history API and a browser test page.
//
// A Client per upgraded connection implements relay.Conn; everything about
// rooms lives in the hub. Config comes from the environment through
// NewConfigFromEnv and is passed to New explicitly.
package server
