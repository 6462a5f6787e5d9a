package redis_mirror

import (
	"strings"
	"time"
)

// Type is the declared type of a key.
type Type int

const (
	TypeNone Type = iota
	TypeString
	TypeList
	TypeSet
	TypeHash
	TypeZSet
	TypeStream
)

var typeNames = [...]string{
	TypeNone:   "none",
	TypeString: "string",
	TypeList:   "list",
	TypeSet:    "set",
	TypeHash:   "hash",
	TypeZSet:   "zset",
	TypeStream: "stream",
}

// Types lists every declared type, absent included.
var Types = []Type{TypeNone, TypeString, TypeList, TypeSet, TypeHash, TypeZSet, TypeStream}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// Supported reports whether values of this type can be copied.
func (t Type) Supported() bool {
	switch t {
	case TypeString, TypeList, TypeSet, TypeHash, TypeZSet:
		return true
	default:
		return false
	}
}

// ParseType maps a TYPE reply to a Type. Unknown replies (module types,
// vectorsets...) are returned as ok=false.
func ParseType(s string) (Type, bool) {
	s = strings.ToLower(s)
	for i, name := range typeNames {
		if name == s {
			return Type(i), true
		}
	}
	return TypeNone, false
}

// TTL is the remaining time to live of a key, always relative to the
// moment it was read.
type TTL time.Duration

const (
	// NoExpiry marks a persistent key. It is distinct from a zero TTL.
	NoExpiry TTL = -1

	// Absent is reported for keys that do not exist (PTTL -2).
	Absent TTL = -2
)

// TTLFromPTTL converts a PTTL reply in milliseconds.
func TTLFromPTTL(ms int64) TTL {
	switch {
	case ms == -1:
		return NoExpiry
	case ms < 0:
		return Absent
	default:
		return TTL(time.Duration(ms) * time.Millisecond)
	}
}

// Expires reports whether the key has a time to live.
func (t TTL) Expires() bool { return t >= 0 }

// Duration returns the remaining time. It is only meaningful when Expires is true.
func (t TTL) Duration() time.Duration { return time.Duration(t) }

// Millis returns the TTL in milliseconds, -1 for persistent keys.
func (t TTL) Millis() int64 {
	if !t.Expires() {
		return int64(t)
	}
	return time.Duration(t).Milliseconds()
}

func (t TTL) String() string {
	switch t {
	case NoExpiry:
		return "no-expiry"
	case Absent:
		return "absent"
	}
	return time.Duration(t).String()
}

// Cursor is an opaque scan position.
type Cursor string

// StartCursor both starts an enumeration and signals its end.
const StartCursor Cursor = "0"

// Done reports whether the cursor ends the enumeration.
func (c Cursor) Done() bool { return c == StartCursor || c == "" }

// Handle is a key name with its type and TTL, without the value.
type Handle struct {
	Key  string
	Type Type
	TTL  TTL
}
