// Package common holds what every ocvpn package shares:
//
//   - Constants: file names, the control endpoint path, session and IPC timing
//   - Errors: the sentinel error taxonomy (ErrConfig, ErrEngine, ErrCipher,
//     ErrStore, ErrIPC, ErrAuthAborted) shared by every package
//   - Notifier: the desktop message sink used by status --watch
//   - Logger: leveled logging to stdout and a size-rotated file
//   - Utils: configuration directory resolution and sudo-aware file ownership
//
// # Usage
//
//	common.LogInfo("Starting session %s", name)
//
//	if errors.Is(err, common.ErrProfileNotFound) {
//	    // Handle missing profile
//	}
//
// The configuration directory defaults to ~/.config/ocvpn. It can be moved
// with the OCVPN_HOME environment variable, or pinned with SetHomeDir when
// an elevated daemon must keep using the invoking user's files.
package common
