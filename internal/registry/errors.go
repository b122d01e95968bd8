package registry

import "errors"

var (
	// ErrRoomNotFound is returned for operations that need an existing room.
	// Diagnostic reads deliberately do NOT return it; emptied rooms race with
	// polling and are served as empty results instead.
	ErrRoomNotFound = errors.New("room not found")

	// ErrNotMember is returned when a user issues a room operation without
	// being a current member of that room.
	ErrNotMember = errors.New("user is not a member of the room")

	// ErrEmptyStack is returned by undo/redo with nothing to pop. Callers
	// surface it as a harmless no-op.
	ErrEmptyStack = errors.New("nothing to undo or redo")
)
