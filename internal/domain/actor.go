package domain

import "fmt"

// ActorType tells who triggered a billing mutation.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorOperator ActorType = "operator"
	ActorGateway  ActorType = "gateway"
	ActorSchedule ActorType = "schedule"
)

// Actor is the audit context threaded explicitly through services and jobs.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// SystemActor is used when no better attribution is available.
var SystemActor = Actor{Type: ActorSystem}

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Type)
	}
	return fmt.Sprintf("%s:%s", a.Type, a.ID)
}
