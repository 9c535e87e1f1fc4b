package mqttconverter

import (
	"sort"
	"sync"

	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
)

// Handler receives one message for a topic. It runs on the dispatch goroutine,
// so it must not block.
type Handler func(msg messagepipeline.Message)

// HandlerRegistry maps exact topic names to handlers. It is safe for concurrent
// use: registration may happen at any time while the dispatch goroutine reads.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register installs or replaces the handler for topic. A nil handler removes it.
func (r *HandlerRegistry) Register(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, topic)
		return
	}
	r.handlers[topic] = h
}

// Lookup returns the handler registered for topic.
func (r *HandlerRegistry) Lookup(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics returns the registered topic names, sorted.
func (r *HandlerRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
