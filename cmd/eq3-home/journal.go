package main

import (
	"fmt"
	"log/slog"

	"eq3-go-home/internal/store"
	"eq3-go-home/internal/thermostat"
)

// journaled lists the event types written to the store. Snapshots and
// connect attempts are too frequent to be useful there.
var journaled = []string{
	thermostat.EventConnected,
	thermostat.EventConnectionFailed,
	thermostat.EventDisconnected,
	thermostat.EventPropertySet,
}

// recordJournal appends journaled events to st and returns a function that
// stops recording.
func recordJournal(events *thermostat.EventBus, st store.Store, logger *slog.Logger) func() {
	logger = logger.With("component", "journal")
	record := func(e thermostat.Event) {
		entry := &store.Entry{Time: e.Time, Type: e.Type}
		if data, ok := e.Data.(map[string]interface{}); ok {
			entry.Detail = make(map[string]any, len(data))
			for k, v := range data {
				if s, ok := v.(fmt.Stringer); ok {
					v = s.String()
				}
				entry.Detail[k] = v
			}
		}
		if err := st.Append(entry); err != nil {
			logger.Warn("append journal entry", "type", e.Type, "err", err)
		}
	}

	unsubs := make([]func(), 0, len(journaled))
	for _, t := range journaled {
		unsubs = append(unsubs, events.On(t, record))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
