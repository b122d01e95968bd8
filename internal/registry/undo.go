package registry

import "collaborative-diagram/internal/domain"

// undoStacks holds the per-user action histories of one room. Stacks are keyed
// strictly by user id: operations for one user can never touch another user's
// history. Access is serialized by the owning roomState.
type undoStacks struct {
	users map[string]*userHistory
	depth int
}

type userHistory struct {
	undo []domain.UndoAction
	redo []domain.UndoAction
}

func newUndoStacks(depth int) *undoStacks {
	return &undoStacks{users: make(map[string]*userHistory), depth: depth}
}

func (s *undoStacks) history(userID string) *userHistory {
	h, ok := s.users[userID]
	if !ok {
		h = &userHistory{}
		s.users[userID] = h
	}
	return h
}

// record pushes a new action, clears the redo stack, and trims the oldest
// entries past the configured depth.
func (s *undoStacks) record(userID string, action domain.UndoAction) {
	h := s.history(userID)
	h.undo = append(h.undo, action)
	h.redo = nil
	if len(h.undo) > s.depth {
		h.undo = h.undo[len(h.undo)-s.depth:]
	}
}

// undo pops the newest action onto the redo stack and returns it. The caller
// applies/broadcasts the before_state.
func (s *undoStacks) undo(userID string) (domain.UndoAction, error) {
	h, ok := s.users[userID]
	if !ok || len(h.undo) == 0 {
		return domain.UndoAction{}, ErrEmptyStack
	}
	action := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, action)
	return action, nil
}

// redo is the symmetric inverse of undo.
func (s *undoStacks) redo(userID string) (domain.UndoAction, error) {
	h, ok := s.users[userID]
	if !ok || len(h.redo) == 0 {
		return domain.UndoAction{}, ErrEmptyStack
	}
	action := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, action)
	return action, nil
}

func (s *undoStacks) info(userID string) domain.StackInfo {
	h, ok := s.users[userID]
	if !ok {
		return domain.StackInfo{}
	}
	return domain.StackInfo{
		UndoStackSize: len(h.undo),
		RedoStackSize: len(h.redo),
		CanUndo:       len(h.undo) > 0,
		CanRedo:       len(h.redo) > 0,
	}
}

func (s *undoStacks) drop(userID string) {
	delete(s.users, userID)
}
