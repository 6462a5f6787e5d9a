// Package codec reads and writes whole key values, dispatching on the
// declared key type.
package codec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

// ChunkSize bounds the number of elements sent in one insert command
// when a collection is written back.
const ChunkSize = 512

// Client is the part of radix.Client the codec needs.
type Client interface {
	Do(radix.Action) error
}

type fetch struct {
	cmd   radix.CmdAction
	value func() (schema.Value, bool, error)
}

func fetchFor(h schema.Handle) (*fetch, error) {
	key := h.Key
	switch h.Type {
	case schema.TypeString:
		var b []byte
		mn := radix.MaybeNil{Rcv: &b}
		return &fetch{
			cmd: radix.Cmd(&mn, "GET", key),
			value: func() (schema.Value, bool, error) {
				if mn.Nil {
					return nil, false, nil
				}
				if b == nil {
					b = []byte{}
				}
				return schema.StringValue(b), true, nil
			},
		}, nil
	case schema.TypeList:
		var items [][]byte
		return &fetch{
			cmd: radix.Cmd(&items, "LRANGE", key, "0", "-1"),
			value: func() (schema.Value, bool, error) {
				return schema.ListValue(items), len(items) > 0, nil
			},
		}, nil
	case schema.TypeSet:
		var members [][]byte
		return &fetch{
			cmd: radix.Cmd(&members, "SMEMBERS", key),
			value: func() (schema.Value, bool, error) {
				return schema.SetValue(members), len(members) > 0, nil
			},
		}, nil
	case schema.TypeHash:
		var flat [][]byte
		return &fetch{
			cmd: radix.Cmd(&flat, "HGETALL", key),
			value: func() (schema.Value, bool, error) {
				if len(flat)%2 != 0 {
					return nil, false, fmt.Errorf("HGETALL returned %d items", len(flat))
				}
				m := make(schema.HashValue, len(flat)/2)
				for i := 0; i < len(flat); i += 2 {
					m[string(flat[i])] = flat[i+1]
				}
				return m, len(m) > 0, nil
			},
		}, nil
	case schema.TypeZSet:
		var flat [][]byte
		return &fetch{
			cmd: radix.Cmd(&flat, "ZRANGE", key, "0", "-1", "WITHSCORES"),
			value: func() (schema.Value, bool, error) {
				if len(flat)%2 != 0 {
					return nil, false, fmt.Errorf("ZRANGE WITHSCORES returned %d items", len(flat))
				}
				z := make(schema.ZSetValue, 0, len(flat)/2)
				for i := 0; i < len(flat); i += 2 {
					score, err := strconv.ParseFloat(string(flat[i+1]), 64)
					if err != nil {
						return nil, false, fmt.Errorf("score of member %q: %w", flat[i], err)
					}
					z = append(z, schema.ZMember{Member: flat[i], Score: score})
				}
				return z, len(z) > 0, nil
			},
		}, nil
	}
	return nil, &schema.UnsupportedTypeError{Key: key, Type: h.Type.String()}
}

// Read fetches the value and the TTL of h.Key in one round trip. The TTL
// is the one left at read time.
func Read(ctx context.Context, c Client, h schema.Handle) (*schema.Entry, error) {
	f, err := fetchFor(h)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pttl int64
	if err := c.Do(radix.Pipeline(radix.Cmd(&pttl, "PTTL", h.Key), f.cmd)); err != nil {
		if isReplyError(err) {
			return nil, &schema.SerializationError{Key: h.Key, Err: err}
		}
		return nil, err
	}
	ttl := schema.TTLFromPTTL(pttl)
	if ttl == schema.Absent || ttl == 0 {
		return nil, schema.ErrNotFound
	}

	v, found, err := f.value()
	if err != nil {
		return nil, &schema.SerializationError{Key: h.Key, Err: err}
	}
	if !found {
		return nil, schema.ErrNotFound
	}
	return &schema.Entry{Key: h.Key, Value: v, TTL: ttl}, nil
}

// Write replaces the key atomically: the previous value is deleted and
// the new one inserted and expired inside a single MULTI/EXEC.
func Write(ctx context.Context, c Client, e *schema.Entry) error {
	inserts, err := insertCmds(e)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmds := make([]radix.CmdAction, 0, len(inserts)+4)
	cmds = append(cmds, radix.Cmd(nil, "MULTI"), radix.Cmd(nil, "DEL", e.Key))
	cmds = append(cmds, inserts...)
	if e.TTL.Expires() {
		ms := e.TTL.Millis()
		if ms < 1 {
			ms = 1
		}
		cmds = append(cmds, radix.FlatCmd(nil, "PEXPIRE", e.Key, ms))
	}
	cmds = append(cmds, radix.Cmd(nil, "EXEC"))

	if err := c.Do(radix.Pipeline(cmds...)); err != nil {
		if isReplyError(err) {
			return &schema.SerializationError{Key: e.Key, Err: err}
		}
		return err
	}
	return nil
}

func insertCmds(e *schema.Entry) ([]radix.CmdAction, error) {
	key := e.Key
	switch v := e.Value.(type) {
	case schema.StringValue:
		return []radix.CmdAction{radix.Cmd(nil, "SET", key, string(v))}, nil
	case schema.ListValue:
		return chunked("RPUSH", key, bytesArgs(v)), nil
	case schema.SetValue:
		return chunked("SADD", key, bytesArgs(v)), nil
	case schema.HashValue:
		args := make([]string, 0, 2*len(v))
		for f, val := range v {
			args = append(args, f, string(val))
		}
		return chunked("HSET", key, args), nil
	case schema.ZSetValue:
		args := make([]string, 0, 2*len(v))
		for _, m := range v {
			args = append(args, formatScore(m.Score), string(m.Member))
		}
		return chunked("ZADD", key, args), nil
	case nil:
		return nil, &schema.SerializationError{Key: key, Err: errors.New("nil value")}
	default:
		panic(fmt.Sprintf("codec: unhandled value type %T", v))
	}
}

// chunked splits args into commands of at most ChunkSize elements. Pairs
// (hash fields, zset members) are never split since ChunkSize is even.
func chunked(cmd, key string, args []string) []radix.CmdAction {
	var out []radix.CmdAction
	for len(args) > 0 {
		n := len(args)
		if n > ChunkSize {
			n = ChunkSize
		}
		out = append(out, radix.Cmd(nil, cmd, append([]string{key}, args[:n]...)...))
		args = args[n:]
	}
	return out
}

func bytesArgs(items [][]byte) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it)
	}
	return out
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func isReplyError(err error) bool {
	var re resp2.Error
	return errors.As(err, &re)
}
