// Package notify delivers best-effort desktop notifications for
// completed uploads.
package notify

import (
	"github.com/gen2brain/beeep"
)

// Notifier delivers a one-line notification. Implementations must be
// best-effort: failures are returned for logging but never block or
// retry.
type Notifier interface {
	Notify(title, message string) error
}

// Desktop sends native desktop notifications.
type Desktop struct {
	// Icon is an optional path to the notification icon.
	Icon string
}

// Notify sends a desktop notification.
func (d *Desktop) Notify(title, message string) error {
	return beeep.Notify(title, message, d.Icon)
}

// Nop discards all notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(title, message string) error { return nil }
