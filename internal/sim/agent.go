package sim

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
)

var ErrEmptyUtterance = errors.New("empty utterance")

// Utterance is one line an agent was told to say.
type Utterance struct {
	ListenerID string
	Text       string
}

// Sphere is a point agent that walks in straight lines.
type Sphere struct {
	id    string
	scene *Scene

	mu        sync.RWMutex
	pos       envelope.Vec3
	state     envelope.AgentState
	target    *envelope.Location
	pendWait  time.Duration
	waitLeft  time.Duration
	said      []Utterance
	nearLocs  map[string]bool
	nearPeers map[string]bool
}

func newSphere(id string, start envelope.Vec3, scene *Scene) *Sphere {
	return &Sphere{
		id:        id,
		scene:     scene,
		pos:       start,
		state:     envelope.StateStanding,
		nearLocs:  make(map[string]bool),
		nearPeers: make(map[string]bool),
	}
}

func (a *Sphere) ID() string { return a.id }

func (a *Sphere) Position() envelope.Vec3 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pos
}

func (a *Sphere) State() envelope.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Said returns everything the agent was told to say, oldest first.
func (a *Sphere) Said() []Utterance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Utterance(nil), a.said...)
}

// MoveTo starts walking toward loc, cancelling any wait.
func (a *Sphere) MoveTo(loc envelope.Location) error {
	a.mu.Lock()
	a.target = &loc
	a.pendWait, a.waitLeft = 0, 0
	changed := a.setState(envelope.StateWalking)
	pos := a.pos
	a.mu.Unlock()

	a.scene.emit(envelope.DestinationChange{AgentID: a.id, LocationName: loc.Name, Coordinates: loc.Coordinates})
	if changed {
		a.scene.emit(envelope.StateChange{AgentID: a.id, State: envelope.StateWalking, Position: pos})
	}
	return nil
}

// WaitAt walks to loc and stands there for d. A location without a name
// means the current position.
func (a *Sphere) WaitAt(loc envelope.Location, d time.Duration) error {
	if loc.Name == "" {
		a.mu.Lock()
		a.target = nil
		a.pendWait, a.waitLeft = 0, d
		changed := a.setState(envelope.StateStanding)
		pos := a.pos
		a.mu.Unlock()
		if changed {
			a.scene.emit(envelope.StateChange{AgentID: a.id, State: envelope.StateStanding, Position: pos})
		}
		return nil
	}

	if err := a.MoveTo(loc); err != nil {
		return err
	}
	a.mu.Lock()
	a.pendWait = d
	a.mu.Unlock()
	return nil
}

func (a *Sphere) Say(listenerID, text string) error {
	if text == "" {
		return ErrEmptyUtterance
	}
	a.mu.Lock()
	a.said = append(a.said, Utterance{ListenerID: listenerID, Text: text})
	a.mu.Unlock()

	a.scene.logger.Info("Agent says", log.String("agent_id", a.id),
		log.String("listener_id", listenerID), log.String("text", text))
	return nil
}

// setState must be called with mu held.
func (a *Sphere) setState(s envelope.AgentState) bool {
	if a.state == s {
		return false
	}
	a.state = s
	return true
}

// step advances movement by dt at speed units per second.
func (a *Sphere) step(dt time.Duration, speed float64) {
	a.mu.Lock()
	if a.waitLeft > 0 {
		a.waitLeft -= dt
		if a.waitLeft < 0 {
			a.waitLeft = 0
		}
	}
	if a.target == nil {
		a.mu.Unlock()
		return
	}

	target := *a.target
	dist := distance(a.pos, target.Coordinates)
	travel := speed * dt.Seconds()
	if travel < dist {
		f := travel / dist
		for i := range a.pos {
			a.pos[i] += (target.Coordinates[i] - a.pos[i]) * f
		}
		a.mu.Unlock()
		return
	}

	a.pos = target.Coordinates
	a.target = nil
	a.waitLeft, a.pendWait = a.pendWait, 0
	a.setState(envelope.StateStanding)
	pos := a.pos
	a.mu.Unlock()

	if target.Name != "" {
		a.scene.emit(envelope.LocationReached{AgentID: a.id, LocationName: target.Name, Coordinates: target.Coordinates})
	}
	a.scene.emit(envelope.StateChange{AgentID: a.id, State: envelope.StateStanding, Position: pos})
}

// Waiting reports whether a wait is still running.
func (a *Sphere) Waiting() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.waitLeft > 0
}

// proximity emits an enter event for every location or peer that came within
// range since the last check. Leaving range only clears the mark.
func (a *Sphere) proximity(areas []envelope.Area, peers []*Sphere, locRadius, peerRadius float64) {
	pos := a.Position()
	var events []envelope.ProximityEvent

	a.mu.Lock()
	for _, area := range areas {
		for _, loc := range area.Locations {
			d := distance(pos, loc.Coordinates)
			near := d <= locRadius
			switch {
			case near && !a.nearLocs[loc.Name]:
				a.nearLocs[loc.Name] = true
				events = append(events, envelope.ProximityEvent{
					AgentID: a.id, EventType: envelope.ProximityLocation, TargetID: loc.Name, Distance: d,
				})
			case !near && a.nearLocs[loc.Name]:
				delete(a.nearLocs, loc.Name)
			}
		}
	}
	a.mu.Unlock()

	for _, peer := range peers {
		if peer == a {
			continue
		}
		d := distance(pos, peer.Position())
		near := d <= peerRadius

		a.mu.Lock()
		switch {
		case near && !a.nearPeers[peer.id]:
			a.nearPeers[peer.id] = true
			events = append(events, envelope.ProximityEvent{
				AgentID: a.id, EventType: envelope.ProximityCharacter, TargetID: peer.id, Distance: d,
			})
		case !near && a.nearPeers[peer.id]:
			delete(a.nearPeers, peer.id)
		}
		a.mu.Unlock()
	}

	for _, ev := range events {
		a.scene.emit(ev)
	}
}

func distance(a, b envelope.Vec3) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
