package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// FieldChange describes a single mutated field on a locally mirrored
// object. It is the payload of object-scoped "field.*" events.
type FieldChange struct {
	Entity string // "conversation", "participant", "message"
	ID     string
	Field  string
	Value  any
}

// FieldKind builds the object-scoped kind prefix under which field
// changes for the given entity/id pair are published,
// e.g. "field.conversation.c1.".
func FieldKind(entity, id string) string {
	return "field." + entity + "." + id + "."
}
