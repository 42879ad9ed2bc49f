package domain

import "github.com/google/uuid"

// IDGenerator produces identifiers for new columns and tasks.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random v4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// IDFunc adapts a plain function to IDGenerator.
type IDFunc func() string

func (f IDFunc) NewID() string { return f() }

// freshID draws ids until one is unused by the taken predicate, so an id is
// never handed out twice within a board.
func freshID(ids IDGenerator, taken func(string) bool) string {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	for {
		id := ids.NewID()
		if id != "" && !taken(id) {
			return id
		}
	}
}
