// Package common provides shared constants, types, and utilities
// used across ocvpn.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "ocvpn"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "ocvpn"
	// HomeEnv overrides the configuration directory when set.
	HomeEnv = "OCVPN_HOME"
	// PassphraseEnv supplies the credential store passphrase when the
	// passphrase key source is selected.
	PassphraseEnv = "OCVPN_PASSPHRASE"
)

// File names used by the application.
const (
	StoreFileName   = "servers.json"
	ConfigFileName  = "config.yaml"
	HistoryFileName = "history.db"
	LogFileName     = "ocvpn.log"
	LogDirName      = "logs"
)

// DefaultSocketPath is the well-known control endpoint of the daemon.
const DefaultSocketPath = "/tmp/ocvpn.sock"

// Session timing.
const (
	// DisconnectGrace is how long disconnect waits after sending Cancel.
	DisconnectGrace = 200 * time.Millisecond
	// ReleaseTimeout bounds how long releasing a session waits for the
	// engine loop to return before giving up on freeing it.
	ReleaseTimeout = 10 * time.Second
	// DefaultReconnectTimeout is the engine's own reconnect budget in seconds.
	DefaultReconnectTimeout = 300
	// DefaultReconnectInterval is the minimum engine reconnect interval in seconds.
	DefaultReconnectInterval = 10
	// MaxEmptyForms is how many consecutive unanswered form rounds abort
	// authentication.
	MaxEmptyForms = 3
)

// IPC timing.
const (
	// DialTimeout is how long a client waits to reach the daemon.
	DialTimeout = 3 * time.Second
	// EndpointWaitTimeout is how long start waits for a spawned daemon
	// to bind its endpoint.
	EndpointWaitTimeout = 15 * time.Second
	// MaxFrameSize caps a single IPC frame.
	MaxFrameSize = 1 << 20
)
