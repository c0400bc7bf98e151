// Package dispatcher implements a named signal bus.
//
// Publishers send a signal by name together with the snapshot that caused
// it; every handler connected to that name is called synchronously on the
// sender's goroutine, in the order it was connected.
package dispatcher

import (
	"sync"

	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

// SignalAPIUpdated is sent after every successful fetch
const SignalAPIUpdated = "blue_connect_api_updated"

// Handler receives the snapshot carried by a signal
type Handler func(snapshot *models.Snapshot)

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher is safe for concurrent use
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
}

func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]subscription),
	}
}

// Connect registers handler for signal and returns a function that
// disconnects it. Disconnecting more than once is a no-op.
func (d *Dispatcher) Connect(signal string, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[signal] = append(d.handlers[signal], subscription{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.disconnect(signal, id) })
	}
}

func (d *Dispatcher) disconnect(signal string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[signal]
	for i, sub := range subs {
		if sub.id == id {
			// copy so a Send iterating the old slice is unaffected
			updated := make([]subscription, 0, len(subs)-1)
			updated = append(updated, subs[:i]...)
			updated = append(updated, subs[i+1:]...)
			d.handlers[signal] = updated
			break
		}
	}
	if len(d.handlers[signal]) == 0 {
		delete(d.handlers, signal)
	}
}

// Send calls every handler connected to signal. Handlers connected or
// disconnected during Send take effect from the next Send.
func (d *Dispatcher) Send(signal string, snapshot *models.Snapshot) {
	d.mu.RLock()
	subs := d.handlers[signal]
	d.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(snapshot)
	}
}

// Handlers returns the number of handlers connected to signal
func (d *Dispatcher) Handlers(signal string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[signal])
}
