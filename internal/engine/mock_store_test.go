package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

// memStore is an in-memory store paging its sorted keys with index cursors.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*schema.Entry
	streams map[string]bool

	// scanErrs makes the next scan calls fail with a connection error.
	scanErrs int
	// readErrs and writeErrs fail the given keys.
	readErrs  map[string]error
	writeErrs map[string]error
	// repeat makes every scan page also return this key.
	repeat string

	scans  int
	writes int
}

func newMemStore() *memStore {
	return &memStore{
		entries:   map[string]*schema.Entry{},
		streams:   map[string]bool{},
		readErrs:  map[string]error{},
		writeErrs: map[string]error{},
	}
}

func (m *memStore) put(key string, v schema.Value, ttl schema.TTL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &schema.Entry{Key: key, Value: v, TTL: ttl}
}

func (m *memStore) addStream(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[key] = true
}

func (m *memStore) get(key string) (*schema.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

func (m *memStore) snapshot() map[string]schema.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]schema.Entry, len(m.entries))
	for k, e := range m.entries {
		out[k] = *e
	}
	return out
}

func (m *memStore) sortedKeys() []string {
	keys := make([]string, 0, len(m.entries)+len(m.streams))
	for k := range m.entries {
		keys = append(keys, k)
	}
	for k := range m.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *memStore) Scan(ctx context.Context, cursor schema.Cursor, pattern string, count int) ([]schema.Handle, schema.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	if m.scanErrs > 0 {
		m.scanErrs--
		return nil, cursor, &schema.ConnectionError{Addr: "mem", Err: errors.New("i/o timeout")}
	}

	start, err := strconv.Atoi(string(cursor))
	if err != nil {
		return nil, cursor, fmt.Errorf("bad cursor %q", cursor)
	}
	keys := m.sortedKeys()
	end := start + count
	next := schema.Cursor(strconv.Itoa(end))
	if end >= len(keys) {
		end = len(keys)
		next = schema.StartCursor
	}

	var out []schema.Handle
	page := keys[start:end]
	if m.repeat != "" {
		page = append(append([]string(nil), page...), m.repeat)
	}
	for _, k := range page {
		if pattern != "" {
			if ok, _ := path.Match(pattern, k); !ok {
				continue
			}
		}
		out = append(out, m.handle(k))
	}
	return out, next, nil
}

func (m *memStore) handle(k string) schema.Handle {
	if m.streams[k] {
		return schema.Handle{Key: k, Type: schema.TypeStream, TTL: schema.NoExpiry}
	}
	e, ok := m.entries[k]
	if !ok {
		return schema.Handle{Key: k, Type: schema.TypeNone, TTL: schema.Absent}
	}
	return e.Handle()
}

func (m *memStore) Read(ctx context.Context, h schema.Handle) (*schema.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErrs[h.Key]; err != nil {
		return nil, err
	}
	if m.streams[h.Key] {
		return nil, &schema.UnsupportedTypeError{Key: h.Key, Type: "stream"}
	}
	e, ok := m.entries[h.Key]
	if !ok {
		return nil, schema.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *memStore) TypeOf(ctx context.Context, key string) (schema.Type, error) {
	if err := ctx.Err(); err != nil {
		return schema.TypeNone, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[key] {
		return schema.TypeStream, nil
	}
	if e, ok := m.entries[key]; ok {
		return e.Value.Type(), nil
	}
	return schema.TypeNone, nil
}

func (m *memStore) Write(ctx context.Context, e *schema.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErrs[e.Key]; err != nil {
		return err
	}
	m.writes++
	c := *e
	delete(m.streams, e.Key)
	m.entries[e.Key] = &c
	return nil
}

// memCheckpoint keeps the last saved state.
type memCheckpoint struct {
	mu    sync.Mutex
	saved *schema.RunState
	saves int
}

func (c *memCheckpoint) Save(s *schema.RunState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = s.Clone()
	c.saves++
	return nil
}

func (c *memCheckpoint) last() *schema.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		return nil
	}
	return c.saved.Clone()
}

// memJournal collects records by key.
type memJournal struct {
	mu      sync.Mutex
	records map[string]schema.Record
}

func (j *memJournal) Record(_ context.Context, _ string, rec schema.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.records == nil {
		j.records = map[string]schema.Record{}
	}
	j.records[rec.Handle.Key] = rec
	return nil
}

// failingCheckpoint stores states until save number failOn, which fails.
type failingCheckpoint struct {
	memCheckpoint
	failOn int
	calls  int
}

func (c *failingCheckpoint) Save(s *schema.RunState) error {
	c.calls++
	if c.calls == c.failOn {
		return errors.New("disk full")
	}
	return c.memCheckpoint.Save(s)
}

// memObserver counts observed keys per outcome.
type memObserver struct {
	mu   sync.Mutex
	keys map[string]int
}

func (o *memObserver) ObserveKey(_, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keys == nil {
		o.keys = map[string]int{}
	}
	o.keys[outcome]++
}

func (o *memObserver) ObserveBatch(string, time.Duration) {}
func (o *memObserver) ObserveRetry(string)                {}

func (o *memObserver) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.keys {
		n += v
	}
	return n
}

// cancelOnWrite cancels the run when key is written.
type cancelOnWrite struct {
	*memStore
	key    string
	cancel context.CancelFunc
}

func (c *cancelOnWrite) Write(ctx context.Context, e *schema.Entry) error {
	if e.Key == c.key {
		c.cancel()
		return ctx.Err()
	}
	return c.memStore.Write(ctx, e)
}
