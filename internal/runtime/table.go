package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/aixgo-dev/agentrt/agent"
)

type subscriberKey struct {
	namespace   string
	messageType string
}

type namespace struct {
	ready chan struct{}
}

// AgentTable holds the factories, lazily created agent instances and the
// subscriber index of one runtime. Instances are created at most once per
// AgentID.
//
// The first time a namespace is addressed, one agent per registered factory
// is instantiated in it and their declared subscriptions are indexed.
type AgentTable struct {
	runtime agent.Runtime
	logger  *slog.Logger

	mu           sync.Mutex
	factories    map[string]agent.Factory
	factoryOrder []string
	namespaces   map[string]*namespace
	recency      *lru.Cache[string, struct{}]
	instances    map[agent.AgentID]agent.Agent
	subscribers  map[subscriberKey]map[agent.AgentID]struct{}
	explicit     map[string]agent.Subscription

	group singleflight.Group
}

// NewAgentTable creates a table whose agents receive rt as their runtime
// handle. maxNamespaces > 0 enables least-recently-used namespace eviction.
func NewAgentTable(rt agent.Runtime, maxNamespaces int, logger *slog.Logger) (*AgentTable, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &AgentTable{
		runtime:     rt,
		logger:      logger,
		factories:   make(map[string]agent.Factory),
		namespaces:  make(map[string]*namespace),
		instances:   make(map[agent.AgentID]agent.Agent),
		subscribers: make(map[subscriberKey]map[agent.AgentID]struct{}),
		explicit:    make(map[string]agent.Subscription),
	}

	if maxNamespaces > 0 {
		cache, err := lru.NewWithEvict[string, struct{}](maxNamespaces, t.evictLocked)
		if err != nil {
			return nil, fmt.Errorf("create namespace cache: %w", err)
		}
		t.recency = cache
	}

	return t, nil
}

// Register adds a factory and hydrates it into every existing namespace.
func (t *AgentTable) Register(agentType string, factory agent.Factory) error {
	if err := agent.ValidateAgentType(agentType); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("factory for %s is nil", agentType)
	}

	t.mu.Lock()
	if _, exists := t.factories[agentType]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", agent.ErrAgentTypeAlreadyRegistered, agentType)
	}
	t.factories[agentType] = factory
	t.factoryOrder = append(t.factoryOrder, agentType)

	keys := make([]string, 0, len(t.namespaces))
	for key := range t.namespaces {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	for _, key := range keys {
		id := agent.AgentID{Type: agentType, Key: key}
		if _, err := t.instantiate(id); err != nil {
			t.logger.Error("failed to hydrate agent into existing namespace", "agent", id.String(), "error", err)
		}
	}
	return nil
}

// IsRegistered reports whether agentType has a factory.
func (t *AgentTable) IsRegistered(agentType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.factories[agentType]
	return ok
}

// AgentTypes returns the registered types in registration order.
func (t *AgentTable) AgentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.factoryOrder)
}

// Agent returns the instance for id, hydrating its namespace and creating
// it if needed. It does not wait for a concurrent hydration of the
// namespace to finish.
func (t *AgentTable) Agent(ctx context.Context, id agent.AgentID) (agent.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.IsRegistered(id.Type) {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, id.Type)
	}
	t.namespace(id.Key)
	return t.instantiate(id)
}

// Subscribers returns the agents that receive a message of messageType
// published to topic: the namespace's subscriber index plus agents mapped by
// matching explicit subscriptions, without exclude.
func (t *AgentTable) Subscribers(ctx context.Context, topic agent.TopicID, messageType string, exclude *agent.AgentID) ([]agent.Agent, error) {
	ns := t.namespace(topic.Source)
	select {
	case <-ns.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	seen := make(map[agent.AgentID]struct{})
	t.mu.Lock()
	for id := range t.subscribers[subscriberKey{namespace: topic.Source, messageType: messageType}] {
		seen[id] = struct{}{}
	}
	subs := make([]agent.Subscription, 0, len(t.explicit))
	for _, sub := range t.explicit {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		if !sub.IsMatch(topic) {
			continue
		}
		id, err := sub.MapToAgent(topic)
		if err != nil {
			t.logger.Error("subscription matched but could not map topic", "subscription", sub.ID(), "topic", topic.String(), "error", err)
			continue
		}
		seen[id] = struct{}{}
	}

	if exclude != nil {
		delete(seen, *exclude)
	}

	ids := make([]agent.AgentID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	recipients := make([]agent.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := t.Agent(ctx, id)
		if err != nil {
			t.logger.Error("failed to resolve subscriber", "agent", id.String(), "error", err)
			continue
		}
		recipients = append(recipients, a)
	}
	return recipients, nil
}

// AddSubscription registers an explicit subscription.
func (t *AgentTable) AddSubscription(sub agent.Subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.explicit[sub.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, sub.ID())
	}
	t.explicit[sub.ID()] = sub
	return nil
}

// RemoveSubscription removes an explicit subscription by id.
func (t *AgentTable) RemoveSubscription(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.explicit[id]; !exists {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	delete(t.explicit, id)
	return nil
}

// Namespaces returns the keys of the live namespaces.
func (t *AgentTable) Namespaces() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.namespaces))
	for key := range t.namespaces {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SaveState snapshots every instantiated agent keyed by AgentID.String().
func (t *AgentTable) SaveState() (map[string]json.RawMessage, error) {
	t.mu.Lock()
	agents := make([]agent.Agent, 0, len(t.instances))
	for _, a := range t.instances {
		agents = append(agents, a)
	}
	t.mu.Unlock()

	state := make(map[string]json.RawMessage, len(agents))
	for _, a := range agents {
		s, err := a.SaveState()
		if err != nil {
			return nil, fmt.Errorf("save state of %s: %w", a.ID(), err)
		}
		state[a.ID().String()] = s
	}
	return state, nil
}

// LoadState restores snapshots, instantiating agents as needed.
func (t *AgentTable) LoadState(ctx context.Context, state map[string]json.RawMessage) error {
	for key, s := range state {
		id, err := agent.ParseAgentID(key)
		if err != nil {
			return err
		}
		a, err := t.Agent(ctx, id)
		if err != nil {
			return fmt.Errorf("load state of %s: %w", key, err)
		}
		if err := a.LoadState(s); err != nil {
			return fmt.Errorf("load state of %s: %w", key, err)
		}
	}
	return nil
}

// namespace returns the namespace for key, hydrating it synchronously when
// this call creates it.
func (t *AgentTable) namespace(key string) *namespace {
	t.mu.Lock()
	if ns, ok := t.namespaces[key]; ok {
		if t.recency != nil {
			t.recency.Get(key)
		}
		t.mu.Unlock()
		return ns
	}

	ns := &namespace{ready: make(chan struct{})}
	t.namespaces[key] = ns
	if t.recency != nil {
		t.recency.Add(key, struct{}{})
	}
	types := slices.Clone(t.factoryOrder)
	t.mu.Unlock()

	defer close(ns.ready)
	for _, typ := range types {
		id := agent.AgentID{Type: typ, Key: key}
		if _, err := t.instantiate(id); err != nil {
			t.logger.Error("failed to hydrate agent", "agent", id.String(), "error", err)
		}
	}
	t.logger.Debug("namespace hydrated", "namespace", key, "agent_types", len(types))
	return ns
}

// instantiate returns the instance for id, calling its factory at most once
// even under concurrent callers.
func (t *AgentTable) instantiate(id agent.AgentID) (agent.Agent, error) {
	t.mu.Lock()
	if a, ok := t.instances[id]; ok {
		t.mu.Unlock()
		return a, nil
	}
	factory, ok := t.factories[id.Type]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownAgentType, id.Type)
	}

	v, err, _ := t.group.Do(id.String(), func() (any, error) {
		t.mu.Lock()
		if a, ok := t.instances[id]; ok {
			t.mu.Unlock()
			return a, nil
		}
		t.mu.Unlock()

		a, err := callFactory(factory, agent.FactoryContext{ID: id, Runtime: t.runtime})
		if err != nil {
			return nil, fmt.Errorf("instantiate %s: %w", id, err)
		}
		if a.ID() != id {
			return nil, fmt.Errorf("factory for %s returned agent %s", id, a.ID())
		}

		t.mu.Lock()
		t.instances[id] = a
		for _, messageType := range a.Metadata().Subscriptions {
			key := subscriberKey{namespace: id.Key, messageType: messageType}
			set, ok := t.subscribers[key]
			if !ok {
				set = make(map[agent.AgentID]struct{})
				t.subscribers[key] = set
			}
			set[id] = struct{}{}
		}
		t.mu.Unlock()

		t.logger.Debug("agent instantiated", "agent", id.String())
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(agent.Agent), nil
}

func callFactory(factory agent.Factory, fc agent.FactoryContext) (a agent.Agent, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory panicked: %v", p)
		}
	}()
	a, err = factory(fc)
	if err == nil && a == nil {
		err = fmt.Errorf("factory returned nil agent")
	}
	return a, err
}

// evictLocked drops a namespace and everything indexed under it. It runs
// inside recency.Add, which is only called with t.mu held.
func (t *AgentTable) evictLocked(key string, _ struct{}) {
	delete(t.namespaces, key)
	for id := range t.instances {
		if id.Key == key {
			delete(t.instances, id)
		}
	}
	for sk := range t.subscribers {
		if sk.namespace == key {
			delete(t.subscribers, sk)
		}
	}
	t.logger.Debug("namespace evicted", "namespace", key)
}
