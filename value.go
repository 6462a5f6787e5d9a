package redis_mirror

// Value is the full value of a key. The set of implementations is closed:
// StringValue, ListValue, SetValue, HashValue and ZSetValue.
type Value interface {
	Type() Type
	// Size is the number of payload bytes held by the value.
	Size() int64
	isValue()
}

// StringValue is an opaque byte string.
type StringValue []byte

// ListValue keeps the list order.
type ListValue [][]byte

// SetValue members are unordered.
type SetValue [][]byte

// HashValue maps field to value.
type HashValue map[string][]byte

// ZMember is one sorted set element.
type ZMember struct {
	Member []byte
	Score  float64
}

// ZSetValue members are in ascending score order as read.
type ZSetValue []ZMember

func (StringValue) Type() Type { return TypeString }
func (ListValue) Type() Type   { return TypeList }
func (SetValue) Type() Type    { return TypeSet }
func (HashValue) Type() Type   { return TypeHash }
func (ZSetValue) Type() Type   { return TypeZSet }

func (StringValue) isValue() {}
func (ListValue) isValue()   {}
func (SetValue) isValue()    {}
func (HashValue) isValue()   {}
func (ZSetValue) isValue()   {}

func (v StringValue) Size() int64 { return int64(len(v)) }
func (v ListValue) Size() int64   { return sumLen(v) }
func (v SetValue) Size() int64    { return sumLen(v) }

func (v HashValue) Size() int64 {
	var n int64
	for f, val := range v {
		n += int64(len(f) + len(val))
	}
	return n
}

func (v ZSetValue) Size() int64 {
	var n int64
	for _, m := range v {
		n += int64(len(m.Member)) + 8
	}
	return n
}

func sumLen(items [][]byte) int64 {
	var n int64
	for _, it := range items {
		n += int64(len(it))
	}
	return n
}

// Entry is a key together with its value and TTL.
type Entry struct {
	Key   string
	Value Value
	TTL   TTL
}

// Handle returns the key handle of the entry.
func (e *Entry) Handle() Handle {
	return Handle{Key: e.Key, Type: e.Value.Type(), TTL: e.TTL}
}
