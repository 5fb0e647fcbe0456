// Package vpn provides the session lifecycle for ocvpn.
//
// This package implements the core connection functionality:
//
//   - Session: drives one protocol engine through a connection attempt and
//     runs its tunnel loop on a dedicated goroutine
//   - CommandChannel: the socket pair used to cancel, detach, pause or
//     query the engine from any goroutine
//   - FormResolver: answers authentication forms from the entrypoint and
//     saved answers, without ever blocking on user input
//   - Watchdog: requests stats periodically and flags a silent tunnel
//
// # Connection Flow
//
// A typical connection:
//
//  1. The caller builds a Session with an EngineFactory
//  2. Session.Connect reports each stage as Connecting(stage)
//  3. Authentication forms and untrusted certificates are answered through
//     the Callbacks the session hands to the engine
//  4. Once the tunnel device is up the status becomes Connected and the
//     main loop starts
//  5. Session.Disconnect sends Cancel; the loop exits and the status
//     becomes Disconnected
//
// # Engines
//
// Engine is an interface. The openconnect package drives the openconnect
// binary; vpn/enginetest provides a scripted fake for tests.
//
// # Signals
//
// DeliverSignal turns SIGINT, SIGTERM, SIGHUP, SIGUSR1 and SIGUSR2 into
// engine commands for the most recently connected session. The session
// host calls it from its serve loop.
package vpn
