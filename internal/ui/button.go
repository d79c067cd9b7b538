// Package ui holds an in-process implementation of the download control that the tracker
// renders onto. It stands in for a host widget: it keeps the visible state and reports
// every change to an optional observer.
package ui

import (
	"sync"
)

// Change describes one mutation of a Button.
type Change struct {
	Field string // "label", "enabled", "tooltip"
	Value string
}

// Button is a thread-safe download control. After Destroy every mutation is ignored.
type Button struct {
	mu sync.RWMutex

	label     string
	enabled   bool
	tooltip   string
	attrs     map[string]string
	destroyed bool

	onChange func(b *Button, c Change)
}

// NewButton returns an enabled button with the given label.
func NewButton(label string, onChange func(b *Button, c Change)) *Button {
	return &Button{
		label:    label,
		enabled:  true,
		attrs:    make(map[string]string),
		onChange: onChange,
	}
}

func (b *Button) SetLabel(text string) {
	if b.set(func() bool {
		if b.label == text {
			return false
		}
		b.label = text

		return true
	}) {
		b.notify(Change{Field: "label", Value: text})
	}
}

func (b *Button) SetEnabled(enabled bool) {
	if b.set(func() bool {
		if b.enabled == enabled {
			return false
		}
		b.enabled = enabled

		return true
	}) {
		v := "false"
		if enabled {
			v = "true"
		}

		b.notify(Change{Field: "enabled", Value: v})
	}
}

func (b *Button) SetTooltip(text string) {
	if b.set(func() bool {
		if b.tooltip == text {
			return false
		}
		b.tooltip = text

		return true
	}) {
		b.notify(Change{Field: "tooltip", Value: text})
	}
}

func (b *Button) SetAttr(key, value string) {
	b.set(func() bool {
		b.attrs[key] = value

		return false
	})
}

func (b *Button) Attr(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.attrs[key]
}

func (b *Button) Label() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.label
}

func (b *Button) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.enabled
}

func (b *Button) Tooltip() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.tooltip
}

// Destroy detaches the button from the UI.
func (b *Button) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.destroyed = true
}

func (b *Button) Destroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.destroyed
}

// set applies fn unless the button is destroyed and reports whether fn changed anything.
func (b *Button) set(fn func() bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return false
	}

	return fn()
}

func (b *Button) notify(c Change) {
	if b.onChange != nil {
		b.onChange(b, c)
	}
}
