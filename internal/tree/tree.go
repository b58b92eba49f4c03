// Package tree is the named-value boundary the gateway projects into.
// Paths are slash separated, e.g. house_H1/station_ST1/wifiRSSI.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind is the type of a value.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText makes kinds readable in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ErrKindMismatch is returned when a path is written with a different kind
// than it was created with.
var ErrKindMismatch = errors.New("kind mismatch")

// ValueTree creates or updates named values.
type ValueTree interface {
	UpsertValue(path string, kind Kind, value any) error
}

// Value is one stored value.
type Value struct {
	Kind    Kind      `json:"kind"`
	Value   any       `json:"value"`
	Updated time.Time `json:"updated"`
}

// Join builds a path from segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Coerce converts v to the canonical Go type for kind: bool, int64,
// float64 or string.
func Coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case int:
			return t != 0, nil
		case int64:
			return t != 0, nil
		case float64:
			return t != 0, nil
		}
	case KindInt:
		switch t := v.(type) {
		case int:
			return int64(t), nil
		case int64:
			return t, nil
		case float64:
			return int64(t), nil
		}
	case KindFloat:
		switch t := v.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		}
	case KindString:
		switch t := v.(type) {
		case string:
			return t, nil
		case fmt.Stringer:
			return t.String(), nil
		}
	}
	return nil, fmt.Errorf("cannot store %T as %s", v, kind)
}

// Memory is an in-memory ValueTree.
type Memory struct {
	mu     sync.RWMutex
	values map[string]Value
	now    func() time.Time
}

// NewMemory returns an empty tree.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]Value), now: time.Now}
}

// UpsertValue stores value at path. Updated only moves when the value
// changes.
func (m *Memory) UpsertValue(path string, kind Kind, value any) error {
	if path == "" {
		return errors.New("empty path")
	}
	v, err := Coerce(kind, value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[path]
	if ok && cur.Kind != kind {
		return fmt.Errorf("%s: %w: have %s, got %s", path, ErrKindMismatch, cur.Kind, kind)
	}
	if ok && cur.Value == v {
		return nil
	}
	m.values[path] = Value{Kind: kind, Value: v, Updated: m.now()}
	return nil
}

// Value returns the value at path.
func (m *Memory) Value(path string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[path]
	return v, ok
}

// Snapshot returns all values under prefix. An empty prefix returns
// everything.
func (m *Memory) Snapshot(prefix string) map[string]Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Value)
	for p, v := range m.values {
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			out[p] = v
		}
	}
	return out
}

// Paths returns all paths, sorted.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.values))
	for p := range m.values {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of values.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

type tee []ValueTree

// Tee writes every value to all trees. Errors are joined; a failing tree
// does not stop the others.
func Tee(trees ...ValueTree) ValueTree {
	return tee(trees)
}

func (t tee) UpsertValue(path string, kind Kind, value any) error {
	var errs []error
	for _, tr := range t {
		if err := tr.UpsertValue(path, kind, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
