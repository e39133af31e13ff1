package envelope

import "fmt"

// Payload is the closed set of kind-specific bodies.
type Payload interface {
	Kind() Kind
}

// Subject is implemented by payloads that concern a single agent.
type Subject interface {
	SubjectID() string
}

type validator interface {
	Validate() error
}

// Vec3 encodes as [x,y,z].
type Vec3 [3]float64

type AgentState string

const (
	StateWalking  AgentState = "walking"
	StateStanding AgentState = "standing"
)

func (s AgentState) Valid() bool {
	return s == StateWalking || s == StateStanding
}

type ProximityType string

const (
	ProximityItem      ProximityType = "item_near"
	ProximityLocation  ProximityType = "location_near"
	ProximityCharacter ProximityType = "character_near"
)

func (p ProximityType) Valid() bool {
	switch p {
	case ProximityItem, ProximityLocation, ProximityCharacter:
		return true
	}
	return false
}

type Location struct {
	Name        string `json:"name"`
	Coordinates Vec3   `json:"coordinates"`
}

type Area struct {
	AreaName  string     `json:"areaName"`
	Locations []Location `json:"locations"`
}

// Setup is the handshake sent once, first, on every opened connection.
type Setup struct {
	AgentIDs []string `json:"agentIds"`
	Areas    []Area   `json:"areas"`
	Cameras  []string `json:"cameras"`
	Items    []string `json:"items,omitempty"`
}

func (Setup) Kind() Kind { return KindSetup }

type StateChange struct {
	AgentID  string     `json:"agentId"`
	State    AgentState `json:"state"`
	Position Vec3       `json:"position"`
}

func (StateChange) Kind() Kind          { return KindStateChange }
func (p StateChange) SubjectID() string { return p.AgentID }

func (p StateChange) Validate() error {
	if !p.State.Valid() {
		return fmt.Errorf("state %q", p.State)
	}
	return nil
}

type DestinationChange struct {
	AgentID      string `json:"agentId"`
	LocationName string `json:"locationName"`
	Coordinates  Vec3   `json:"coordinates"`
}

func (DestinationChange) Kind() Kind          { return KindDestinationChange }
func (p DestinationChange) SubjectID() string { return p.AgentID }

type LocationReached struct {
	AgentID      string `json:"agentId"`
	LocationName string `json:"locationName"`
	Coordinates  Vec3   `json:"coordinates"`
}

func (LocationReached) Kind() Kind          { return KindLocationReached }
func (p LocationReached) SubjectID() string { return p.AgentID }

type ProximityEvent struct {
	AgentID   string        `json:"agentId"`
	EventType ProximityType `json:"eventType"`
	TargetID  string        `json:"targetId"`
	Distance  float64       `json:"distance"`
}

func (ProximityEvent) Kind() Kind          { return KindProximityEvent }
func (p ProximityEvent) SubjectID() string { return p.AgentID }

func (p ProximityEvent) Validate() error {
	if !p.EventType.Valid() {
		return fmt.Errorf("event type %q", p.EventType)
	}
	return nil
}

type PositionUpdate struct {
	AgentID  string `json:"agentId"`
	Position Vec3   `json:"position"`
}

func (PositionUpdate) Kind() Kind          { return KindPositionUpdate }
func (p PositionUpdate) SubjectID() string { return p.AgentID }

// AgentUpdate carries the orchestrator's view of an agent's inner state.
type AgentUpdate struct {
	AgentID          string `json:"agentId"`
	Objective        string `json:"objective,omitempty"`
	Thought          string `json:"thought,omitempty"`
	Emotion          string `json:"emotion,omitempty"`
	CurrentAction    string `json:"currentAction,omitempty"`
	CurrentAnimation string `json:"currentAnimation,omitempty"`
}

func (AgentUpdate) Kind() Kind          { return KindAgentUpdate }
func (p AgentUpdate) SubjectID() string { return p.AgentID }

type MoveToLocation struct {
	AgentID      string `json:"agentId"`
	LocationName string `json:"locationName"`
}

func (MoveToLocation) Kind() Kind          { return KindMoveToLocation }
func (p MoveToLocation) SubjectID() string { return p.AgentID }

type WaitAtLocation struct {
	AgentID         string  `json:"agentId"`
	LocationName    string  `json:"locationName"`
	DurationSeconds float64 `json:"durationSeconds"`
}

func (WaitAtLocation) Kind() Kind          { return KindWaitAtLocation }
func (p WaitAtLocation) SubjectID() string { return p.AgentID }

func (p WaitAtLocation) Validate() error {
	if p.DurationSeconds < 0 {
		return fmt.Errorf("negative duration %v", p.DurationSeconds)
	}
	return nil
}

type Conversation struct {
	SpeakerID  string  `json:"speakerId"`
	ListenerID string  `json:"listenerId"`
	Text       string  `json:"text"`
	Timestamp  float64 `json:"timestamp"`
}

func (Conversation) Kind() Kind { return KindConversation }

// SubjectID is the speaker: inbound conversation commands make them talk.
func (p Conversation) SubjectID() string { return p.SpeakerID }

type Request struct {
	RequestType string `json:"requestType"`
	AgentID     string `json:"agentId,omitempty"`
}

func (Request) Kind() Kind          { return KindRequest }
func (p Request) SubjectID() string { return p.AgentID }

type Response struct {
	RequestType string     `json:"requestType"`
	AgentID     string     `json:"agentId,omitempty"`
	Position    *Vec3      `json:"position,omitempty"`
	State       AgentState `json:"state,omitempty"`
	Agents      []string   `json:"agents,omitempty"`
	Connection  string     `json:"connection,omitempty"`
}

func (Response) Kind() Kind          { return KindResponse }
func (p Response) SubjectID() string { return p.AgentID }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) Kind() Kind { return KindError }
