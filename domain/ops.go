package domain

import "fmt"

// CreateColumn appends a column with a generated id and a positional title.
func (b Board) CreateColumn(ids IDGenerator) (Board, Column) {
	out := b.Clone()
	col := Column{
		ID:    freshID(ids, b.HasColumn),
		Title: fmt.Sprintf("Column %d", len(b.Columns)+1),
	}
	out.Columns = append(out.Columns, col)
	return out, col
}

// DeleteColumn removes the column and every task that belongs to it. The
// last column cannot be deleted.
func (b Board) DeleteColumn(id string) (Board, error) {
	if !b.HasColumn(id) {
		return b, fmt.Errorf("delete column %s: %w", id, ErrColumnNotFound)
	}
	if len(b.Columns) == 1 {
		return b, fmt.Errorf("delete column %s: %w", id, ErrLastColumn)
	}
	out := Board{
		Columns: make([]Column, 0, len(b.Columns)-1),
		Tasks:   make([]Task, 0, len(b.Tasks)),
	}
	for _, c := range b.Columns {
		if c.ID != id {
			out.Columns = append(out.Columns, c)
		}
	}
	for _, t := range b.Tasks {
		if t.ColumnID != id {
			out.Tasks = append(out.Tasks, t)
		}
	}
	return out, nil
}

// RenameColumn replaces the title of a column.
func (b Board) RenameColumn(id, title string) (Board, error) {
	i := b.columnIndex(id)
	if i < 0 {
		return b, fmt.Errorf("rename column %s: %w", id, ErrColumnNotFound)
	}
	out := b.Clone()
	out.Columns[i].Title = title
	return out, nil
}

// CreateTask appends a task to the given column.
func (b Board) CreateTask(ids IDGenerator, columnID string) (Board, Task, error) {
	if !b.HasColumn(columnID) {
		return b, Task{}, fmt.Errorf("create task in %s: %w", columnID, ErrColumnNotFound)
	}
	out := b.Clone()
	task := Task{
		ID:       freshID(ids, b.HasTask),
		ColumnID: columnID,
		Content:  fmt.Sprintf("Task %d", len(b.Tasks)+1),
	}
	out.Tasks = append(out.Tasks, task)
	return out, task, nil
}

// DeleteTask removes exactly one task.
func (b Board) DeleteTask(id string) (Board, error) {
	i := b.taskIndex(id)
	if i < 0 {
		return b, fmt.Errorf("delete task %s: %w", id, ErrTaskNotFound)
	}
	out := b.Clone()
	out.Tasks = append(out.Tasks[:i], out.Tasks[i+1:]...)
	return out, nil
}

// UpdateTaskContent replaces the content of a task.
func (b Board) UpdateTaskContent(id, content string) (Board, error) {
	i := b.taskIndex(id)
	if i < 0 {
		return b, fmt.Errorf("update task %s: %w", id, ErrTaskNotFound)
	}
	out := b.Clone()
	out.Tasks[i].Content = content
	return out, nil
}
