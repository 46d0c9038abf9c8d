package mapping

import (
	"fmt"
	"strings"
)

// Managed property names. They are part of the persisted format and must not
// change.
const (
	managedPrefix = "$/"
	classSuffix   = "class"
	stateSuffix   = "state"
	colSizeSuffix = "colSize"
)

// Component and reference occurrence states.
const (
	StateFull      = "full"
	StateNull      = "null"
	StateTruncated = "truncated"
	StateDuplicate = "duplicate"
	StateRef       = "ref"
)

// ManagedName returns `$/<alias>/<path>`, the name of a managed id.
func ManagedName(alias, path string) string {
	return managedPrefix + alias + "/" + path
}

// ClassName returns the poly discriminator name for path ("" for the root).
func ClassName(alias, path string) string {
	return markerName(alias, path, classSuffix)
}

// StateName returns the occurrence marker name of a component or reference.
func StateName(alias, path string) string {
	return markerName(alias, path, stateSuffix)
}

// ColSizeName returns the element count marker name of a collection.
func ColSizeName(alias, path string) string {
	return markerName(alias, path, colSizeSuffix)
}

func markerName(alias, path, suffix string) string {
	if path == "" {
		return managedPrefix + alias + "/" + suffix
	}
	return managedPrefix + alias + "/" + path + "/" + suffix
}

// IsManaged reports whether a property name is internal.
func IsManaged(name string) bool {
	return strings.HasPrefix(name, managedPrefix)
}

// Cascade selects which session operations propagate through a reference.
type Cascade uint8

const (
	CascadeNone   Cascade = 0
	CascadeCreate Cascade = 1 << iota
	CascadeSave
	CascadeDelete
	CascadeAll = CascadeCreate | CascadeSave | CascadeDelete
)

// Has reports whether c includes op.
func (c Cascade) Has(op Cascade) bool {
	return op != CascadeNone && c&op == op
}

func (c Cascade) String() string {
	if c == CascadeNone {
		return "none"
	}
	if c == CascadeAll {
		return "all"
	}
	var parts []string
	if c.Has(CascadeCreate) {
		parts = append(parts, "create")
	}
	if c.Has(CascadeSave) {
		parts = append(parts, "save")
	}
	if c.Has(CascadeDelete) {
		parts = append(parts, "delete")
	}
	return strings.Join(parts, "|")
}

// ParseCascade parses "none", "all" or a "|" separated list of create, save
// and delete.
func ParseCascade(s string) (Cascade, error) {
	var c Cascade
	for _, part := range strings.Split(s, "|") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "", "none":
		case "create":
			c |= CascadeCreate
		case "save":
			c |= CascadeSave
		case "delete":
			c |= CascadeDelete
		case "all":
			c |= CascadeAll
		default:
			return CascadeNone, fmt.Errorf("unknown cascade %q", part)
		}
	}
	return c, nil
}
