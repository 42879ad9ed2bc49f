package domain

import "errors"

var (
	// ErrMalformedInput indicates that a board payload did not resolve to any
	// usable column and the default board was substituted.
	ErrMalformedInput = errors.New("malformed board payload")
	// ErrColumnNotFound is returned when an operation names an unknown column.
	ErrColumnNotFound = errors.New("column not found")
	// ErrTaskNotFound is returned when an operation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrLastColumn is returned when deleting a board's only column.
	ErrLastColumn = errors.New("board must keep at least one column")
)
