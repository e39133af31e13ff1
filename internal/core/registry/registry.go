// Package registry resolves agent ids and location names for command
// routing and request handling.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
)

var (
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrEmptyAgentID   = errors.New("agent id is empty")
)

// Agent is the simulation-side handle for one controllable entity.
// MoveTo, WaitAt and Say are only called from the simulation tick.
// Position and State must be safe to call from any goroutine.
type Agent interface {
	ID() string
	Position() envelope.Vec3
	State() envelope.AgentState
	MoveTo(loc envelope.Location) error
	WaitAt(loc envelope.Location, d time.Duration) error
	Say(listenerID, text string) error
}

const defaultShards = 16

type shard struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// Agents is a concurrent id → Agent map sharded by xxhash.
type Agents struct {
	shards []shard
}

func NewAgents() *Agents {
	a := &Agents{shards: make([]shard, defaultShards)}
	for i := range a.shards {
		a.shards[i].agents = make(map[string]Agent)
	}
	return a
}

func (a *Agents) shardFor(id string) *shard {
	return &a.shards[xxhash.Sum64String(id)%uint64(len(a.shards))]
}

func (a *Agents) Register(agent Agent) error {
	id := agent.ID()
	if id == "" {
		return ErrEmptyAgentID
	}
	s := a.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; exists {
		return ErrDuplicateAgent
	}
	s.agents[id] = agent
	return nil
}

// Unregister removes id and reports whether it was present.
func (a *Agents) Unregister(id string) bool {
	s := a.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[id]
	delete(s.agents, id)
	return ok
}

func (a *Agents) Lookup(id string) (Agent, bool) {
	s := a.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	return agent, ok
}

// IDs returns every registered id in sorted order.
func (a *Agents) IDs() []string {
	var ids []string
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.RLock()
		for id := range s.agents {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

func (a *Agents) Len() int {
	n := 0
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.RLock()
		n += len(s.agents)
		s.mu.RUnlock()
	}
	return n
}
