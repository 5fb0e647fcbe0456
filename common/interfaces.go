// Package common provides shared constants, types, and utilities
// used across ocvpn.
package common

// Notifier shows a short desktop message. notify.Notifier implements it.
type Notifier interface {
	Notify(title, message string) error
}
