// Package pubsub tracks which connections listen to which topics and
// fans published messages out to them.
package pubsub

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	"go.uber.org/zap"

	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/metrics"
)

// Message is a published payload addressed to a topic
type Message struct {
	Topic   string
	Payload []byte
}

// Sink receives messages for one connection
type Sink interface {
	// ID returns the connection identifier
	ID() string
	// Deliver queues msg without blocking. It returns false when the
	// message was dropped.
	Deliver(msg Message) bool
}

const exactShards = 32

type exactShard struct {
	mu     sync.RWMutex
	topics map[string]map[string]Sink
}

type patternEntry struct {
	matcher glob.Glob
	sinks   map[string]Sink
}

// member holds one connection's subscriptions. Its mutex is always taken
// before any index lock.
type member struct {
	sink     Sink
	mu       sync.Mutex
	topics   map[string]struct{}
	patterns map[string]struct{}
	closed   bool
}

func (m *member) count() int {
	return len(m.topics) + len(m.patterns)
}

// Registry maps topics and patterns to subscribed connections
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	membersMu sync.RWMutex
	members   map[string]*member

	shards [exactShards]*exactShard

	patternsMu sync.RWMutex
	patterns   map[string]*patternEntry
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	r := &Registry{
		logger:   logger,
		metrics:  m,
		members:  make(map[string]*member),
		patterns: make(map[string]*patternEntry),
	}
	for i := range r.shards {
		r.shards[i] = &exactShard{topics: make(map[string]map[string]Sink)}
	}
	return r
}

func (r *Registry) shard(topic string) *exactShard {
	return r.shards[xxhash.Sum64String(topic)%exactShards]
}

// Register makes a connection known to the registry
func (r *Registry) Register(sink Sink) error {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()

	if _, ok := r.members[sink.ID()]; ok {
		return fmt.Errorf("connection %s already registered", sink.ID())
	}
	r.members[sink.ID()] = &member{
		sink:     sink,
		topics:   make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
	return nil
}

// lockMember returns the connection's state with its mutex held
func (r *Registry) lockMember(id string) (*member, error) {
	r.membersMu.RLock()
	m, ok := r.members[id]
	r.membersMu.RUnlock()
	if !ok {
		return nil, kverrors.InternalError(fmt.Sprintf("connection %s is not registered", id), nil)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, kverrors.InternalError(fmt.Sprintf("connection %s is closed", id), nil)
	}
	return m, nil
}

// Subscribe adds exact-topic subscriptions and returns the connection's
// total subscription count. Repeating a subscription has no effect.
func (r *Registry) Subscribe(id string, topics ...string) (int, error) {
	m, err := r.lockMember(id)
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	added := 0
	for _, topic := range topics {
		if _, ok := m.topics[topic]; ok {
			continue
		}
		s := r.shard(topic)
		s.mu.Lock()
		sinks, ok := s.topics[topic]
		if !ok {
			sinks = make(map[string]Sink)
			s.topics[topic] = sinks
		}
		sinks[id] = m.sink
		s.mu.Unlock()

		m.topics[topic] = struct{}{}
		added++
	}
	r.track("exact", added)
	return m.count(), nil
}

// PSubscribe adds pattern subscriptions and returns the connection's total
// subscription count. Every pattern is validated before any is added.
func (r *Registry) PSubscribe(id string, patterns ...string) (int, error) {
	compiled := make([]glob.Glob, len(patterns))
	for i, p := range patterns {
		g, err := CompilePattern(p)
		if err != nil {
			return 0, err
		}
		compiled[i] = g
	}

	m, err := r.lockMember(id)
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	added := 0
	r.patternsMu.Lock()
	for i, p := range patterns {
		if _, ok := m.patterns[p]; ok {
			continue
		}
		entry, ok := r.patterns[p]
		if !ok {
			entry = &patternEntry{matcher: compiled[i], sinks: make(map[string]Sink)}
			r.patterns[p] = entry
		}
		entry.sinks[id] = m.sink
		m.patterns[p] = struct{}{}
		added++
	}
	r.patternsMu.Unlock()

	r.track("pattern", added)
	return m.count(), nil
}

// Unsubscribe removes exact-topic subscriptions. Topics the connection is
// not subscribed to are ignored.
func (r *Registry) Unsubscribe(id string, topics ...string) (int, error) {
	m, err := r.lockMember(id)
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	removed := 0
	for _, topic := range topics {
		if _, ok := m.topics[topic]; !ok {
			continue
		}
		r.removeExact(id, topic)
		delete(m.topics, topic)
		removed++
	}
	r.track("exact", -removed)
	return m.count(), nil
}

// PUnsubscribe removes pattern subscriptions. Patterns the connection is
// not subscribed to are ignored.
func (r *Registry) PUnsubscribe(id string, patterns ...string) (int, error) {
	m, err := r.lockMember(id)
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	removed := 0
	r.patternsMu.Lock()
	for _, p := range patterns {
		if _, ok := m.patterns[p]; !ok {
			continue
		}
		r.removePatternLocked(id, p)
		delete(m.patterns, p)
		removed++
	}
	r.patternsMu.Unlock()

	r.track("pattern", -removed)
	return m.count(), nil
}

// Disconnect removes the connection and every subscription it holds. It
// reports whether the connection was registered; later calls are no-ops.
func (r *Registry) Disconnect(id string) bool {
	r.membersMu.Lock()
	m, ok := r.members[id]
	delete(r.members, id)
	r.membersMu.Unlock()
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	for topic := range m.topics {
		r.removeExact(id, topic)
	}
	r.patternsMu.Lock()
	for p := range m.patterns {
		r.removePatternLocked(id, p)
	}
	r.patternsMu.Unlock()

	r.track("exact", -len(m.topics))
	r.track("pattern", -len(m.patterns))
	r.logger.Debug("Removed connection subscriptions",
		zap.String("conn_id", id),
		zap.Int("topics", len(m.topics)),
		zap.Int("patterns", len(m.patterns)))

	m.topics = nil
	m.patterns = nil
	return true
}

// Count returns the connection's subscription count
func (r *Registry) Count(id string) int {
	m, err := r.lockMember(id)
	if err != nil {
		return 0
	}
	defer m.mu.Unlock()
	return m.count()
}

// Match returns every connection subscribed to topic, through an exact
// subscription or any pattern, each exactly once
func (r *Registry) Match(topic string) []Sink {
	found := make(map[string]Sink)

	s := r.shard(topic)
	s.mu.RLock()
	for id, sink := range s.topics[topic] {
		found[id] = sink
	}
	s.mu.RUnlock()

	r.patternsMu.RLock()
	for _, entry := range r.patterns {
		if !entry.matcher.Match(topic) {
			continue
		}
		for id, sink := range entry.sinks {
			found[id] = sink
		}
	}
	r.patternsMu.RUnlock()

	sinks := make([]Sink, 0, len(found))
	for _, sink := range found {
		sinks = append(sinks, sink)
	}
	return sinks
}

// Stats returns the number of indexed topics and patterns
func (r *Registry) Stats() (topics, patterns, connections int) {
	for _, s := range r.shards {
		s.mu.RLock()
		topics += len(s.topics)
		s.mu.RUnlock()
	}
	r.patternsMu.RLock()
	patterns = len(r.patterns)
	r.patternsMu.RUnlock()
	r.membersMu.RLock()
	connections = len(r.members)
	r.membersMu.RUnlock()
	return topics, patterns, connections
}

func (r *Registry) removeExact(id, topic string) {
	s := r.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	sinks := s.topics[topic]
	delete(sinks, id)
	if len(sinks) == 0 {
		delete(s.topics, topic)
	}
}

func (r *Registry) removePatternLocked(id, pattern string) {
	entry, ok := r.patterns[pattern]
	if !ok {
		return
	}
	delete(entry.sinks, id)
	if len(entry.sinks) == 0 {
		delete(r.patterns, pattern)
	}
}

func (r *Registry) track(kind string, delta int) {
	if r.metrics != nil && delta != 0 {
		r.metrics.AddSubscriptions(kind, delta)
	}
}
