package fleet

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of a fleet membership event.
type EventType string

const (
	// HostOnline: the host became reachable.
	HostOnline EventType = "host_online"
	// HostOffline: the host stopped being reachable.
	HostOffline EventType = "host_offline"
	// HostConfigChanged: fleet configuration changed. An empty Host means
	// every host.
	HostConfigChanged EventType = "host_config_changed"
	// HostJoined: a host was added to the fleet.
	HostJoined EventType = "host_joined"
	// HostLeft: a host was removed from the fleet.
	HostLeft EventType = "host_left"
)

// Event is delivered on the fleet's event channel.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Host string    `json:"host,omitempty"`
	At   time.Time `json:"at"`
}

// NewEvent returns an event with a fresh id.
func NewEvent(t EventType, host string) Event {
	return Event{ID: uuid.NewString(), Type: t, Host: host, At: time.Now().UTC()}
}
