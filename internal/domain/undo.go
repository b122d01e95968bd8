package domain

import (
	"encoding/json"
	"time"
)

// UndoAction is one reversible step in a user's private history. Before/after
// states are opaque to the engine; it only moves them between stacks.
type UndoAction struct {
	ActionID    string          `json:"action_id"`
	ActionType  string          `json:"action_type"`
	ElementID   string          `json:"element_id"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// StackInfo summarizes one user's undo/redo stacks for diagnostics.
type StackInfo struct {
	UndoStackSize int  `json:"undo_stack_size"`
	RedoStackSize int  `json:"redo_stack_size"`
	CanUndo       bool `json:"can_undo"`
	CanRedo       bool `json:"can_redo"`
}
