// Package notify abstracts the notification side effects (the web console
// plays short sounds) behind an injected capability, so the chat core can be
// exercised in tests without any audio playback.
package notify

import "go.uber.org/zap"

// Notifier is told about delivery moments worth signalling to the user.
type Notifier interface {
	MessageSent()
	MessageReceived()
}

// Noop ignores every notification.
type Noop struct{}

func (Noop) MessageSent()     {}
func (Noop) MessageReceived() {}

// Logged writes a debug line per notification; the terminal client uses it
// in place of audio.
type Logged struct {
	Log *zap.Logger
}

func (l Logged) MessageSent()     { l.Log.Debug("notify: message sent") }
func (l Logged) MessageReceived() { l.Log.Debug("notify: message received") }
