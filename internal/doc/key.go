package doc

import (
	"fmt"
	"strings"
)

// Key addresses one collaborative session: an entity-type discriminator plus
// the durable record id, wire form "<entityType>.<documentId>".
type Key struct {
	EntityType string
	ID         string
}

func ParseKey(raw string) (Key, error) {
	entity, id, ok := strings.Cut(raw, ".")
	if !ok || entity == "" || id == "" {
		return Key{}, fmt.Errorf("malformed document key %q", raw)
	}
	return Key{EntityType: entity, ID: id}, nil
}

func (k Key) String() string {
	return k.EntityType + "." + k.ID
}
