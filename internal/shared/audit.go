package shared

import "github.com/google/uuid"

// Actor identifies who triggered a write. It is stamped into created_by /
// updated_by columns and never interpreted.
type Actor struct {
	ID uuid.UUID
}

// SystemActor is used by scheduled runs.
var SystemActor = Actor{}

// StampID returns a nullable id for persistence.
func (a Actor) StampID() *uuid.UUID {
	if a.ID == uuid.Nil {
		return nil
	}
	id := a.ID
	return &id
}
