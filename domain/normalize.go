package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// NormalizedKind tags how a payload was resolved.
type NormalizedKind int

const (
	// Recognized means the payload produced at least one column.
	Recognized NormalizedKind = iota
	// Defaulted means the default board was substituted.
	Defaulted
)

func (k NormalizedKind) String() string {
	if k == Recognized {
		return "recognized"
	}
	return "default"
}

// Normalized is the outcome of Normalize. Err is set when the payload was
// present but unusable; the Board is always safe to use.
type Normalized struct {
	Board Board
	Kind  NormalizedKind
	Err   error
}

func defaulted(err error) Normalized {
	return Normalized{Board: DefaultBoard(), Kind: Defaulted, Err: err}
}

// Normalize resolves an arbitrarily shaped board payload into the canonical
// model. Columns and tasks may be arrays or keyed objects, optionally nested
// under a "state" member, and tasks may be embedded in their columns. Normalize
// never fails: unusable input yields the default board.
func Normalize(payload []byte) (res Normalized) {
	defer func() {
		if r := recover(); r != nil {
			res = defaulted(fmt.Errorf("%w: %v", ErrMalformedInput, r))
		}
	}()

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return defaulted(nil)
	}
	if !gjson.ValidBytes(payload) {
		return defaulted(fmt.Errorf("%w: invalid json", ErrMalformedInput))
	}
	root := gjson.ParseBytes(payload)
	if root.Type == gjson.Null {
		return defaulted(nil)
	}

	state := root
	if inner := root.Get("state"); truthy(inner) {
		state = inner
	}
	if !state.IsObject() {
		return defaulted(fmt.Errorf("%w: expected an object, got %s", ErrMalformedInput, state.Type))
	}

	columns, rawColumns := resolveColumns(state.Get("columns"))
	if len(columns) == 0 {
		return defaulted(fmt.Errorf("%w: no usable columns", ErrMalformedInput))
	}

	fallbackColumn := columns[0].ID
	tasks := resolveTasks(state.Get("tasks"), fallbackColumn)
	if len(tasks) == 0 {
		for i, raw := range rawColumns {
			tasks = append(tasks, resolveEmbeddedTasks(raw.Get("tasks"), columns[i].ID)...)
		}
	}

	b := Board{Columns: columns, Tasks: tasks}
	canonicalize(&b)
	return Normalized{Board: b, Kind: Recognized}
}

// entry is one item of an array or keyed object, with its key when keyed.
type entry struct {
	key   string
	value gjson.Result
}

func entries(r gjson.Result) []entry {
	var out []entry
	switch {
	case r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			out = append(out, entry{value: v})
			return true
		})
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			out = append(out, entry{key: k.String(), value: v})
			return true
		})
	}
	return out
}

func resolveColumns(r gjson.Result) ([]Column, []gjson.Result) {
	items := entries(r)
	cols := make([]Column, 0, len(items))
	raws := make([]gjson.Result, 0, len(items))
	for i, it := range items {
		v := it.value
		cols = append(cols, Column{
			ID:    firstOf(field(v, "id"), it.key, "col-"+strconv.Itoa(i)),
			Title: firstOf(field(v, "title"), field(v, "name"), it.key, fmt.Sprintf("Column %d", i+1)),
		})
		raws = append(raws, v)
	}
	return cols, raws
}

func resolveTasks(r gjson.Result, fallbackColumn string) []Task {
	items := entries(r)
	tasks := make([]Task, 0, len(items))
	for i, it := range items {
		v := it.value
		tasks = append(tasks, Task{
			ID:       firstOf(field(v, "id"), it.key, "task-"+strconv.Itoa(i)),
			ColumnID: firstOf(field(v, "columnId"), field(v, "status"), fallbackColumn, "todo"),
			Content:  taskContent(v, i),
		})
	}
	return tasks
}

func resolveEmbeddedTasks(r gjson.Result, columnID string) []Task {
	items := entries(r)
	tasks := make([]Task, 0, len(items))
	for i, it := range items {
		v := it.value
		tasks = append(tasks, Task{
			ID:       firstOf(field(v, "id"), it.key, fmt.Sprintf("task-%s-%d", columnID, i)),
			ColumnID: columnID,
			Content:  taskContent(v, i),
		})
	}
	return tasks
}

func taskContent(v gjson.Result, i int) string {
	return firstOf(field(v, "content"), field(v, "title"), field(v, "description"), fmt.Sprintf("Task %d", i+1))
}

// field returns the named member of an object when it holds a usable scalar:
// a non-empty string or a non-zero number in its JSON text form.
func field(v gjson.Result, name string) string {
	if !v.IsObject() {
		return ""
	}
	f := v.Get(name)
	switch f.Type {
	case gjson.String:
		return f.Str
	case gjson.Number:
		if f.Num == 0 {
			return ""
		}
		return f.Raw
	default:
		return ""
	}
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.True, gjson.JSON:
		return true
	default:
		return false
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// canonicalize enforces unique ids and reattaches tasks whose column is
// unknown, first by a case-insensitive match on column id or title and then
// to the first column.
func canonicalize(b *Board) {
	seen := make(map[string]struct{}, len(b.Columns))
	byID := make(map[string]string, len(b.Columns))
	byTitle := make(map[string]string, len(b.Columns))
	for i := range b.Columns {
		c := &b.Columns[i]
		c.ID = uniqueID(c.ID, seen)
		if _, ok := byID[strings.ToLower(c.ID)]; !ok {
			byID[strings.ToLower(c.ID)] = c.ID
		}
		if _, ok := byTitle[strings.ToLower(c.Title)]; !ok {
			byTitle[strings.ToLower(c.Title)] = c.ID
		}
	}

	taskSeen := make(map[string]struct{}, len(b.Tasks))
	for i := range b.Tasks {
		t := &b.Tasks[i]
		t.ID = uniqueID(t.ID, taskSeen)
		if _, ok := seen[t.ColumnID]; ok {
			continue
		}
		key := strings.ToLower(t.ColumnID)
		if id, ok := byID[key]; ok {
			t.ColumnID = id
		} else if id, ok := byTitle[key]; ok {
			t.ColumnID = id
		} else {
			t.ColumnID = b.Columns[0].ID
		}
	}
}

func uniqueID(id string, seen map[string]struct{}) string {
	candidate := id
	for n := 2; ; n++ {
		if _, dup := seen[candidate]; !dup {
			seen[candidate] = struct{}{}
			return candidate
		}
		candidate = id + "-" + strconv.Itoa(n)
	}
}
