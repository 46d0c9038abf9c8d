package resource

import (
	"errors"
	"strings"
)

// Separator joins the alias and the id values of a UID.
const Separator = '#'

// Key identifies a resource by alias and ordered id values.
type Key struct {
	Alias string
	IDs   []string
}

// UID builds the unique id used for overwrite-on-save and point deletes.
func (k Key) UID() string {
	return UID(k.Alias, k.IDs...)
}

func (k Key) String() string {
	return k.UID()
}

// UID builds `<alias>#<id1>#<id2>...`. Separators and backslashes inside the
// values are escaped with a backslash.
func UID(alias string, ids ...string) string {
	var sb strings.Builder
	sb.WriteString(escape(alias))
	for _, id := range ids {
		sb.WriteByte(Separator)
		sb.WriteString(escape(id))
	}
	return sb.String()
}

// ParseUID splits a UID back into its key.
func ParseUID(uid string) (Key, error) {
	var parts []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(uid); i++ {
		c := uid[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == Separator:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		return Key{}, errors.New("malformed uid: dangling escape")
	}
	parts = append(parts, cur.String())
	if len(parts) < 2 || parts[0] == "" {
		return Key{}, errors.New("malformed uid: " + uid)
	}
	return Key{Alias: parts[0], IDs: parts[1:]}, nil
}

func escape(s string) string {
	if !strings.ContainsAny(s, "#\\") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == Separator {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
