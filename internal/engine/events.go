package engine

// EventType names one entry of the engine's event stream.
type EventType string

const (
	EventEngineStarted     EventType = "engine_started"
	EventEngineStopped     EventType = "engine_stopped"
	EventDownloadAdded     EventType = "download_added"
	EventDownloadStarted   EventType = "download_started"
	EventDownloadProgress  EventType = "download_progress"
	EventAdaptiveDecision  EventType = "adaptive_decision"
	EventDownloadCompleted EventType = "download_completed"
	EventDownloadPaused    EventType = "download_paused"
	EventDownloadCancelled EventType = "download_cancelled"
	EventDownloadFailed    EventType = "download_failed"
	EventDownloadDeleted   EventType = "download_deleted"
)

// Event is one emission to subscribers. Data keys follow the payload
// fields documented per event type.
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler consumes engine events. A panicking handler is isolated and
// never interrupts dispatch to the others.
type Handler func(Event)

func (e *Engine) Subscribe(handler Handler) {
	e.handlerMu.Lock()
	e.handlers = append(e.handlers, handler)
	e.handlerMu.Unlock()
}

func (e *Engine) emit(eventType EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	e.handlerMu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.handlerMu.RUnlock()
	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Debug().Any("panic", r).Str("event", string(eventType)).Msg("Event handler panicked")
				}
			}()
			handler(Event{Type: eventType, Data: data})
		}()
	}
}
