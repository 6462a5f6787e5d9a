package cleanup

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/redis"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newRedisStore(t *testing.T, keys ...string) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	for _, k := range keys {
		if err := mr.Set(k, "v"); err != nil {
			t.Fatal(err)
		}
	}
	c, err := redis.ParseURI(mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	store, err := redis.New(c, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func keysOf(mr *miniredis.Miniredis) []string {
	keys := mr.Keys()
	sort.Strings(keys)
	return keys
}

func run(t *testing.T, store Store, c Criteria, opts Options) *Result {
	t.Helper()
	opts.Logger = quietLogger()
	if opts.BatchSize == 0 {
		opts.BatchSize = 2
	}
	sel, err := New(store, c, opts)
	if err != nil {
		t.Fatal(err)
	}
	res, err := sel.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestValidateRefusesImplicitDeleteAll(t *testing.T) {
	for _, c := range []Criteria{{}, {Pattern: "*"}, {Pattern: "**"}, {Deny: []string{"keep:*"}}} {
		if err := c.Validate(); !errors.Is(err, schema.ErrNoCriteria) {
			t.Errorf("Validate(%+v) = %v", c, err)
		}
	}
	for _, c := range []Criteria{
		{Pattern: "session:*"},
		{Pattern: "*", All: true},
		{Expired: true},
		{Allow: []string{"tmp:1"}},
		{Script: "function select() return false end"},
	} {
		if err := c.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v", c, err)
		}
	}
}

func TestCleanupDeletesOnlyMatchingKeys(t *testing.T) {
	store, mr := newRedisStore(t, "session:1", "session:2", "session:3", "user:1", "sessions", "config")
	res := run(t, store, Criteria{Pattern: "session:*"}, Options{})

	if res.Deleted != 3 || res.Selected != 3 || !res.Complete {
		t.Fatalf("result %+v", res)
	}
	if got, want := keysOf(mr), []string{"config", "sessions", "user:1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("left %v, want %v", got, want)
	}
}

func TestDryRunDeletesNothing(t *testing.T) {
	store, mr := newRedisStore(t, "session:1", "session:2", "user:1")
	before := keysOf(mr)
	res := run(t, store, Criteria{Pattern: "session:*"}, Options{DryRun: true})
	if res.Selected != 2 || res.Deleted != 0 {
		t.Fatalf("result %+v", res)
	}
	if !reflect.DeepEqual(before, keysOf(mr)) {
		t.Fatal("dry run changed the keyspace")
	}
}

func TestAllowAndDenyLists(t *testing.T) {
	store, mr := newRedisStore(t, "tmp:1", "tmp:2", "tmp:keep", "cache:1", "user:1")
	run(t, store, Criteria{
		Allow: []string{"tmp:*", "cache:1"},
		Deny:  []string{"*:keep"},
	}, Options{})
	if got, want := keysOf(mr), []string{"tmp:keep", "user:1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("left %v, want %v", got, want)
	}
}

func TestScriptPredicate(t *testing.T) {
	store, mr := newRedisStore(t, "a", "bb", "ccc")
	mr.SetTTL("bb", time.Hour)
	script := `
function select(key, typ, ttl_ms)
  return typ == "string" and ttl_ms == -1 and string.len(key) > 1
end`
	run(t, store, Criteria{Script: script}, Options{})
	if got, want := keysOf(mr), []string{"a", "bb"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("left %v, want %v", got, want)
	}
}

func TestBrokenScriptIsRejected(t *testing.T) {
	store, _ := newRedisStore(t)
	if _, err := New(store, Criteria{Script: "function nope() end"}, Options{}); err == nil {
		t.Fatal("expected missing select function error")
	}
	if _, err := New(store, Criteria{Script: "function ("}, Options{}); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestScriptRuntimeErrorKeepsKey(t *testing.T) {
	store, mr := newRedisStore(t, "a", "b")
	res := run(t, store, Criteria{Script: `function select(key) error("boom") end`}, Options{})
	if res.ScriptErrors != 2 || res.Deleted != 0 || len(mr.Keys()) != 2 {
		t.Fatalf("result %+v", res)
	}
}

// expiredStore reports a key as already expired.
type expiredStore struct {
	handles []schema.Handle
	deleted []string
}

func (s *expiredStore) Scan(context.Context, schema.Cursor, string, int) ([]schema.Handle, schema.Cursor, error) {
	return s.handles, schema.StartCursor, nil
}

func (s *expiredStore) Delete(_ context.Context, keys []string) (int, error) {
	s.deleted = append(s.deleted, keys...)
	return len(keys), nil
}

func TestExpiredSelectsOnlyReapableKeys(t *testing.T) {
	store := &expiredStore{handles: []schema.Handle{
		{Key: "live", Type: schema.TypeString, TTL: schema.TTL(time.Minute)},
		{Key: "persistent", Type: schema.TypeString, TTL: schema.NoExpiry},
		{Key: "expired", Type: schema.TypeNone, TTL: schema.Absent},
		{Key: "expiring", Type: schema.TypeString, TTL: 0},
	}}
	res := run(t, store, Criteria{Expired: true}, Options{})
	if res.Deleted != 2 || !reflect.DeepEqual(store.deleted, []string{"expired", "expiring"}) {
		t.Fatalf("deleted %v", store.deleted)
	}
}

func TestScanErrorStopsCleanup(t *testing.T) {
	store, mr := newRedisStore(t, "session:1")
	mr.Close()
	sel, err := New(store, Criteria{Pattern: "session:*"}, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	res, err := sel.Run(context.Background())
	if err == nil || res.Complete {
		t.Fatalf("expected incomplete cleanup, got %+v", res)
	}
}
