package domain

import (
	"fmt"
	"strings"
)

// EntityKind distinguishes draggable entities.
type EntityKind int

const (
	// KindColumn marks a column being dragged or hovered.
	KindColumn EntityKind = iota + 1
	// KindTask marks a task being dragged or hovered.
	KindTask
)

func (k EntityKind) String() string {
	switch k {
	case KindColumn:
		return "Column"
	case KindTask:
		return "Task"
	default:
		return "Unknown"
	}
}

// ParseEntityKind accepts "column" or "task" in any case.
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "column":
		return KindColumn, nil
	case "task":
		return KindTask, nil
	default:
		return 0, fmt.Errorf("unknown entity type %q", s)
	}
}

// Entity references a column or task taking part in a drag gesture.
type Entity struct {
	Kind EntityKind
	ID   string
}

// DragState is the phase of the current drag gesture.
type DragState int

const (
	// Idle means no gesture is in progress.
	Idle DragState = iota
	// DraggingColumn means a column gesture has started and not yet ended.
	DraggingColumn
	// DraggingTask means a task gesture has started and not yet ended.
	DraggingTask
)

func (s DragState) String() string {
	switch s {
	case DraggingColumn:
		return "dragging-column"
	case DraggingTask:
		return "dragging-task"
	default:
		return "idle"
	}
}

// DragResult is the board after a drag signal and whether it changed.
type DragResult struct {
	Board   Board
	Applied bool
}

// DragMachine tracks one drag gesture: Start, any number of Over, then End.
// The zero value is idle.
type DragMachine struct {
	state    DragState
	active   Entity
	lastOver Entity
	hasLast  bool
}

// State returns the current phase.
func (m *DragMachine) State() DragState { return m.state }

// Active returns the entity being dragged, if any.
func (m *DragMachine) Active() (Entity, bool) {
	if m.state == Idle {
		return Entity{}, false
	}
	return m.active, true
}

// Start begins a gesture. A gesture already in progress is abandoned.
func (m *DragMachine) Start(active Entity) {
	m.reset()
	switch active.Kind {
	case KindColumn:
		m.state = DraggingColumn
	case KindTask:
		m.state = DraggingTask
	default:
		return
	}
	m.active = active
}

// Over applies a hover over target. Repeating the hover that was last applied
// is a no-op, as is any hover outside an active gesture.
func (m *DragMachine) Over(b Board, active Entity, over *Entity) DragResult {
	if !m.tracking(active) {
		return DragResult{Board: b}
	}
	if over != nil && m.hasLast && *over == m.lastOver {
		return DragResult{Board: b}
	}
	out, ok := ApplyDrop(b, active, over)
	if ok {
		m.lastOver = *over
		m.hasLast = true
	}
	return DragResult{Board: out, Applied: ok}
}

// End finishes the gesture and returns to Idle. A drop on the target already
// applied by the last hover does not reorder again.
func (m *DragMachine) End(b Board, active Entity, over *Entity) DragResult {
	if !m.tracking(active) {
		return DragResult{Board: b}
	}
	defer m.reset()
	if over != nil && m.hasLast && *over == m.lastOver {
		return DragResult{Board: b}
	}
	out, ok := ApplyDrop(b, active, over)
	return DragResult{Board: out, Applied: ok}
}

// Cancel abandons the gesture without touching the board.
func (m *DragMachine) Cancel() { m.reset() }

func (m *DragMachine) tracking(active Entity) bool {
	return m.state != Idle && active == m.active
}

func (m *DragMachine) reset() {
	*m = DragMachine{}
}

// ApplyDrop computes the board resulting from dropping active onto over. It
// reports false, returning b untouched, when the drop does not apply: no
// target, the entity dropped on itself, an unknown entity, or a column dropped
// onto a task.
func ApplyDrop(b Board, active Entity, over *Entity) (Board, bool) {
	if over == nil || active.ID == over.ID {
		return b, false
	}
	switch active.Kind {
	case KindColumn:
		if over.Kind != KindColumn {
			return b, false
		}
		from, to := b.columnIndex(active.ID), b.columnIndex(over.ID)
		if from < 0 || to < 0 {
			return b, false
		}
		return Board{Columns: arrayMove(b.Columns, from, to), Tasks: cloneTasks(b.Tasks)}, true
	case KindTask:
		from := b.taskIndex(active.ID)
		if from < 0 {
			return b, false
		}
		switch over.Kind {
		case KindTask:
			to := b.taskIndex(over.ID)
			if to < 0 {
				return b, false
			}
			if b.Tasks[from].ColumnID != b.Tasks[to].ColumnID {
				return moveTaskBefore(b, from, to), true
			}
			return Board{Columns: cloneColumns(b.Columns), Tasks: arrayMove(b.Tasks, from, to)}, true
		case KindColumn:
			if !b.HasColumn(over.ID) || b.Tasks[from].ColumnID == over.ID {
				return b, false
			}
			out := b.Clone()
			out.Tasks[from].ColumnID = over.ID
			return out, true
		}
	}
	return b, false
}

// moveTaskBefore reassigns the task at from to the column of the task at to
// and places it immediately before that task in the flat list.
func moveTaskBefore(b Board, from, to int) Board {
	moved := b.Tasks[from]
	target := b.Tasks[to]
	moved.ColumnID = target.ColumnID

	tasks := make([]Task, 0, len(b.Tasks))
	for i, t := range b.Tasks {
		if i == from {
			continue
		}
		if i == to {
			tasks = append(tasks, moved)
		}
		tasks = append(tasks, t)
	}
	return Board{Columns: cloneColumns(b.Columns), Tasks: tasks}
}

func cloneColumns(cols []Column) []Column {
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}

func cloneTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}
