package domain

import (
	"fmt"
	"strings"
)

// Column is an ordered bucket of tasks on a board.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Task is a single unit of work belonging to exactly one column.
type Task struct {
	ID       string `json:"id"`
	ColumnID string `json:"columnId"`
	Content  string `json:"content"`
}

// Board is the canonical board model. Columns are kept in display order and
// Tasks is the flat task list; the order of a column's tasks is the order in
// which they appear in Tasks.
type Board struct {
	Columns []Column `json:"columns"`
	Tasks   []Task   `json:"tasks"`
}

// Lane is a column together with its tasks in display order.
type Lane struct {
	Column Column `json:"column"`
	Tasks  []Task `json:"tasks"`
}

// DefaultBoard returns the board used whenever a payload cannot be resolved.
func DefaultBoard() Board {
	return Board{
		Columns: []Column{
			{ID: "todo", Title: "Todo"},
			{ID: "doing", Title: "Work in progress"},
			{ID: "done", Title: "Done"},
		},
		Tasks: []Task{},
	}
}

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	return Board{Columns: cloneColumns(b.Columns), Tasks: cloneTasks(b.Tasks)}
}

func (b Board) columnIndex(id string) int {
	for i := range b.Columns {
		if b.Columns[i].ID == id {
			return i
		}
	}
	return -1
}

func (b Board) taskIndex(id string) int {
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// HasColumn reports whether a column with the given id exists.
func (b Board) HasColumn(id string) bool { return b.columnIndex(id) >= 0 }

// HasTask reports whether a task with the given id exists.
func (b Board) HasTask(id string) bool { return b.taskIndex(id) >= 0 }

// TasksIn returns the tasks of a column in display order.
func (b Board) TasksIn(columnID string) []Task {
	out := make([]Task, 0)
	for _, t := range b.Tasks {
		if t.ColumnID == columnID {
			out = append(out, t)
		}
	}
	return out
}

// Lanes groups the flat task list by column in a single pass.
func (b Board) Lanes() []Lane {
	lanes := make([]Lane, len(b.Columns))
	pos := make(map[string]int, len(b.Columns))
	for i, c := range b.Columns {
		lanes[i] = Lane{Column: c, Tasks: []Task{}}
		pos[c.ID] = i
	}
	for _, t := range b.Tasks {
		if i, ok := pos[t.ColumnID]; ok {
			lanes[i].Tasks = append(lanes[i].Tasks, t)
		}
	}
	return lanes
}

// Validate checks the identity and ownership invariants of the board.
func (b Board) Validate() error {
	var problems []string
	cols := make(map[string]struct{}, len(b.Columns))
	for _, c := range b.Columns {
		if c.ID == "" {
			problems = append(problems, "column with empty id")
			continue
		}
		if _, dup := cols[c.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate column %q", c.ID))
		}
		cols[c.ID] = struct{}{}
	}
	tasks := make(map[string]struct{}, len(b.Tasks))
	for _, t := range b.Tasks {
		if t.ID == "" {
			problems = append(problems, "task with empty id")
			continue
		}
		if _, dup := tasks[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate task %q", t.ID))
		}
		tasks[t.ID] = struct{}{}
		if _, ok := cols[t.ColumnID]; !ok {
			problems = append(problems, fmt.Sprintf("task %q references missing column %q", t.ID, t.ColumnID))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid board: %s", strings.Join(problems, "; "))
	}
	return nil
}

// arrayMove moves the element at from to index to, shifting the elements in
// between by one. The input slice is not modified.
func arrayMove[T any](items []T, from, to int) []T {
	out := make([]T, len(items))
	copy(out, items)
	if from < 0 || from >= len(out) || to < 0 || to >= len(out) || from == to {
		return out
	}
	moved := out[from]
	if from < to {
		copy(out[from:to], out[from+1:to+1])
	} else {
		copy(out[to+1:from+1], out[to:from])
	}
	out[to] = moved
	return out
}
