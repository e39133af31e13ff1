package registry

import "github.com/zeusync/simbridge/internal/core/protocol/envelope"

// Environment describes the static scene announced in the setup handshake.
type Environment interface {
	Areas() []envelope.Area
	Cameras() []string
	Items() []string
}

// StaticEnvironment is a fixed scene description.
type StaticEnvironment struct {
	AreaList   []envelope.Area
	CameraList []string
	ItemList   []string
}

func (e StaticEnvironment) Areas() []envelope.Area { return e.AreaList }
func (e StaticEnvironment) Cameras() []string      { return e.CameraList }
func (e StaticEnvironment) Items() []string        { return e.ItemList }

// FindLocation searches every area for a location called name.
func FindLocation(env Environment, name string) (envelope.Location, bool) {
	if env == nil {
		return envelope.Location{}, false
	}
	for _, area := range env.Areas() {
		for _, loc := range area.Locations {
			if loc.Name == name {
				return loc, true
			}
		}
	}
	return envelope.Location{}, false
}

// SetupPayload builds the handshake body from the registered agents and the
// scene. Nil slices are sent as empty arrays.
func SetupPayload(agents *Agents, env Environment) envelope.Setup {
	setup := envelope.Setup{
		AgentIDs: agents.IDs(),
		Areas:    []envelope.Area{},
		Cameras:  []string{},
	}
	if setup.AgentIDs == nil {
		setup.AgentIDs = []string{}
	}
	if env != nil {
		if areas := env.Areas(); areas != nil {
			setup.Areas = areas
		}
		if cameras := env.Cameras(); cameras != nil {
			setup.Cameras = cameras
		}
		setup.Items = env.Items()
	}
	return setup
}
