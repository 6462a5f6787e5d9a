// Package redis is the radix backed store used as sync source, sync
// destination and report/cleanup target.
package redis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/codec"
)

// Store owns one connection pool to one logical database.
type Store struct {
	pool *radix.Pool
	conn Conn
}

// New opens a pool of size connections to c. A Conn without a database
// selects db 0.
func New(c Conn, size int) (*Store, error) {
	if size < 1 {
		size = 1
	}
	db := c.DB
	if db < 0 {
		db = 0
		c.DB = 0
	}
	connFunc := func(network, addr string) (radix.Conn, error) {
		opts := []radix.DialOpt{radix.DialTimeout(c.Timeout), radix.DialSelectDB(db)}
		if c.Password != "" {
			opts = append(opts, radix.DialAuthPass(c.Password))
		}
		return radix.Dial(network, addr, opts...)
	}
	pool, err := radix.NewPool("tcp", c.Addr, size, radix.PoolConnFunc(connFunc))
	if err != nil {
		return nil, &schema.ConnectionError{Addr: c.String(), Err: err}
	}
	return &Store{pool: pool, conn: c}, nil
}

// Conn returns what the store is connected to.
func (r *Store) Conn() Conn { return r.conn }

// Close releases the pool.
func (r *Store) Close() error { return r.pool.Close() }

func (r *Store) do(ctx context.Context, a radix.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.wrap(r.pool.Do(a))
}

func (r *Store) wrap(err error) error {
	if err != nil && schema.IsConnection(err) {
		var ce *schema.ConnectionError
		if !errors.As(err, &ce) {
			return &schema.ConnectionError{Addr: r.conn.String(), Err: err}
		}
	}
	return err
}

// Ping checks the store answers.
func (r *Store) Ping(ctx context.Context) error {
	var pong string
	if err := r.do(ctx, radix.Cmd(&pong, "PING")); err != nil {
		return err
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected PING reply %q", pong)
	}
	return nil
}

type scanResult struct {
	cursor string
	keys   []string
}

func (s *scanResult) UnmarshalRESP(br *bufio.Reader) error {
	var ah resp2.ArrayHeader
	if err := ah.UnmarshalRESP(br); err != nil {
		return err
	}
	if ah.N != 2 {
		return fmt.Errorf("SCAN returned %d parts", ah.N)
	}
	var cur resp2.BulkString
	if err := cur.UnmarshalRESP(br); err != nil {
		return err
	}
	s.cursor = cur.S
	s.keys = s.keys[:0]
	return (resp2.Any{I: &s.keys}).UnmarshalRESP(br)
}

// Scan performs one SCAN step and resolves type and TTL of the returned
// names in a single pipelined round trip.
func (r *Store) Scan(ctx context.Context, cursor schema.Cursor, pattern string, countHint int) ([]schema.Handle, schema.Cursor, error) {
	if cursor == "" {
		cursor = schema.StartCursor
	}
	args := []string{string(cursor)}
	if pattern != "" && pattern != "*" {
		args = append(args, "MATCH", pattern)
	}
	if countHint > 0 {
		args = append(args, "COUNT", strconv.Itoa(countHint))
	}

	var res scanResult
	if err := r.do(ctx, radix.Cmd(&res, "SCAN", args...)); err != nil {
		return nil, cursor, err
	}
	handles, err := r.describe(ctx, res.keys)
	if err != nil {
		return nil, cursor, err
	}
	return handles, schema.Cursor(res.cursor), nil
}

func (r *Store) describe(ctx context.Context, keys []string) ([]schema.Handle, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	types := make([]string, len(keys))
	pttls := make([]int64, len(keys))
	cmds := make([]radix.CmdAction, 0, 2*len(keys))
	for i, k := range keys {
		cmds = append(cmds, radix.Cmd(&types[i], "TYPE", k), radix.Cmd(&pttls[i], "PTTL", k))
	}
	if err := r.do(ctx, radix.Pipeline(cmds...)); err != nil {
		return nil, err
	}
	handles := make([]schema.Handle, len(keys))
	for i, k := range keys {
		t, _ := schema.ParseType(types[i])
		ttl := schema.TTLFromPTTL(pttls[i])
		if ttl == schema.Absent {
			t = schema.TypeNone
		}
		handles[i] = schema.Handle{Key: k, Type: t, TTL: ttl}
	}
	return handles, nil
}

// Read returns the whole value of h.Key.
func (r *Store) Read(ctx context.Context, h schema.Handle) (*schema.Entry, error) {
	e, err := codec.Read(ctx, r.pool, h)
	return e, r.wrap(err)
}

// Write replaces e.Key with e's value and TTL.
func (r *Store) Write(ctx context.Context, e *schema.Entry) error {
	return r.wrap(codec.Write(ctx, r.pool, e))
}

// TypeOf returns the type currently stored under key.
func (r *Store) TypeOf(ctx context.Context, key string) (schema.Type, error) {
	var t string
	if err := r.do(ctx, radix.Cmd(&t, "TYPE", key)); err != nil {
		return schema.TypeNone, err
	}
	typ, _ := schema.ParseType(t)
	return typ, nil
}

// Delete removes keys with one DEL.
func (r *Store) Delete(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int
	if err := r.do(ctx, radix.Cmd(&n, "DEL", keys...)); err != nil {
		return 0, err
	}
	return n, nil
}

// MemoryUsage returns MEMORY USAGE for every key. ok is false when the
// store does not implement the command; individual missing keys report 0.
func (r *Store) MemoryUsage(ctx context.Context, keys []string) (usage []int64, ok bool, err error) {
	if len(keys) == 0 {
		return nil, true, nil
	}
	usage = make([]int64, len(keys))
	nils := make([]radix.MaybeNil, len(keys))
	cmds := make([]radix.CmdAction, len(keys))
	for i, k := range keys {
		nils[i] = radix.MaybeNil{Rcv: &usage[i]}
		cmds[i] = radix.Cmd(&nils[i], "MEMORY", "USAGE", k)
	}
	if err := r.do(ctx, radix.Pipeline(cmds...)); err != nil {
		var re resp2.Error
		if errors.As(err, &re) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return usage, true, nil
}

// Size returns DBSIZE.
func (r *Store) Size(ctx context.Context) (int64, error) {
	var n int64
	err := r.do(ctx, radix.Cmd(&n, "DBSIZE"))
	return n, err
}

// FlushDB empties the selected database.
func (r *Store) FlushDB(ctx context.Context) error {
	return r.do(ctx, radix.Cmd(nil, "FLUSHDB"))
}

// Keyspaces lists the populated databases from INFO keyspace.
func (r *Store) Keyspaces(ctx context.Context) ([]int, error) {
	var info string
	if err := r.do(ctx, radix.Cmd(&info, "INFO", "keyspace")); err != nil {
		return nil, err
	}
	return ParseKeyspace(info), nil
}

// ParseKeyspace extracts database numbers from lines like
// "db0:keys=1,expires=0,avg_ttl=0".
func ParseKeyspace(info string) []int {
	var dbs []int
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "db") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		db, err := strconv.Atoi(line[2:i])
		if err != nil {
			continue
		}
		dbs = append(dbs, db)
	}
	sort.Ints(dbs)
	return dbs
}
