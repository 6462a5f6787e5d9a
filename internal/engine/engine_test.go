package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testOptions() Options {
	return Options{
		Source:    "mem",
		BatchSize: 2,
		Workers:   3,
		Retries:   2,
		Backoff:   time.Millisecond,
		Logger:    quietLogger(),
	}
}

func exampleSource() *memStore {
	src := newMemStore()
	src.put("a", schema.StringValue("x"), schema.NoExpiry)
	src.put("b", schema.ListValue{[]byte("1"), []byte("2"), []byte("3")}, schema.TTL(30*time.Second))
	src.addStream("c")
	return src
}

func run(t *testing.T, src schema.Source, dst schema.Destination, opts Options) (*schema.RunState, error) {
	t.Helper()
	e, err := New(src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	return e.Run(context.Background())
}

func TestSyncCopiesSupportedKeysAndSkipsStreams(t *testing.T) {
	src, dst := exampleSource(), newMemStore()
	state, err := run(t, src, dst, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != schema.Completed {
		t.Fatalf("status %s", state.Status)
	}
	want := schema.Counters{Attempted: 3, Transferred: 2, Skipped: 1}
	if state.Counters != want {
		t.Fatalf("counters %s, want %s", state.Counters, want)
	}

	a, ok := dst.get("a")
	if !ok || string(a.Value.(schema.StringValue)) != "x" || a.TTL != schema.NoExpiry {
		t.Fatalf("a = %+v", a)
	}
	b, ok := dst.get("b")
	if !ok || !reflect.DeepEqual(b.Value, schema.ListValue{[]byte("1"), []byte("2"), []byte("3")}) {
		t.Fatalf("b = %+v", b)
	}
	if b.TTL != schema.TTL(30*time.Second) {
		t.Fatalf("b ttl = %s", b.TTL)
	}
	if _, ok := dst.get("c"); ok {
		t.Fatal("stream key must not reach the destination")
	}
}

func TestSkipExistingRecordsConflict(t *testing.T) {
	src, dst := exampleSource(), newMemStore()
	dst.put("a", schema.HashValue{"f": []byte("v")}, schema.NoExpiry)
	journal := &memJournal{}
	opts := testOptions()
	opts.Journal = journal

	state, err := run(t, src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	if state.Counters.Skipped != 2 || state.Counters.Transferred != 1 {
		t.Fatalf("counters %s", state.Counters)
	}
	a, _ := dst.get("a")
	if a.Value.Type() != schema.TypeHash {
		t.Fatal("existing destination key was replaced")
	}
	var conflict *schema.ConflictError
	if !errors.As(journal.records["a"].Cause, &conflict) || conflict.DestinationType != schema.TypeHash {
		t.Fatalf("expected conflict record, got %+v", journal.records["a"])
	}
	var unsupported *schema.UnsupportedTypeError
	if !errors.As(journal.records["c"].Cause, &unsupported) {
		t.Fatalf("expected unsupported record for stream, got %+v", journal.records["c"])
	}
}

func TestOverwriteReplacesAndCountsOverwritten(t *testing.T) {
	src, dst := exampleSource(), newMemStore()
	dst.put("a", schema.HashValue{"f": []byte("v")}, schema.TTL(time.Hour))
	opts := testOptions()
	opts.Policy = Overwrite

	state, err := run(t, src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	if state.Counters.Overwritten != 1 || state.Counters.Transferred != 1 || state.Counters.Skipped != 1 {
		t.Fatalf("counters %s", state.Counters)
	}
	a, _ := dst.get("a")
	if a.Value.Type() != schema.TypeString || a.TTL != schema.NoExpiry {
		t.Fatalf("a = %+v", a)
	}
}

func TestKeyFailureDoesNotAbortRun(t *testing.T) {
	src, dst := newMemStore(), newMemStore()
	for i := 0; i < 7; i++ {
		src.put(fmt.Sprintf("k%d", i), schema.StringValue("v"), schema.NoExpiry)
	}
	src.readErrs["k2"] = &schema.SerializationError{Key: "k2", Err: errors.New("bad payload")}
	dst.writeErrs["k5"] = errors.New("OOM command not allowed")

	state, err := run(t, src, dst, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != schema.CompletedWithErrors {
		t.Fatalf("status %s", state.Status)
	}
	if state.Counters.Failed != 2 || state.Counters.Transferred != 5 {
		t.Fatalf("counters %s", state.Counters)
	}
	failed := map[string]bool{}
	for _, f := range state.Failures {
		failed[f.Handle.Key] = true
	}
	if !failed["k2"] || !failed["k5"] {
		t.Fatalf("failures %+v", state.Failures)
	}
}

func TestVanishedKeyIsSkipped(t *testing.T) {
	src, dst := newMemStore(), newMemStore()
	src.put("gone", schema.StringValue("v"), schema.NoExpiry)
	src.readErrs["gone"] = schema.ErrNotFound

	state, err := run(t, src, dst, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if state.Counters.Skipped != 1 || state.Status != schema.Completed {
		t.Fatalf("state %s %s", state.Status, state.Counters)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	src := newMemStore()
	for i := 0; i < 9; i++ {
		src.put(fmt.Sprintf("l%d", i), schema.ListValue{[]byte("a"), []byte(fmt.Sprint(i))}, schema.NoExpiry)
		src.put(fmt.Sprintf("z%d", i), schema.ZSetValue{{Member: []byte("m"), Score: float64(i)}}, schema.TTL(time.Minute))
	}
	opts := testOptions()
	opts.Policy = Overwrite

	once := newMemStore()
	if _, err := run(t, src, once, opts); err != nil {
		t.Fatal(err)
	}
	twice := newMemStore()
	for i := 0; i < 2; i++ {
		if _, err := run(t, src, twice, opts); err != nil {
			t.Fatal(err)
		}
	}
	if !reflect.DeepEqual(once.snapshot(), twice.snapshot()) {
		t.Fatal("second run changed the destination")
	}
}

func TestResumeAfterCancelMatchesUninterruptedRun(t *testing.T) {
	src := newMemStore()
	for i := 0; i < 11; i++ {
		src.put(fmt.Sprintf("key:%02d", i), schema.StringValue(fmt.Sprint(i)), schema.NoExpiry)
	}

	full := newMemStore()
	if _, err := run(t, src, full, testOptions()); err != nil {
		t.Fatal(err)
	}

	dst := newMemStore()
	cp := &memCheckpoint{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := testOptions()
	opts.Checkpoint = cp
	opts.OnBatch = func(s *schema.RunState, _ int) {
		if s.Batches == 2 {
			cancel()
		}
	}
	e, err := New(src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	state, err := e.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if state.Status != schema.Incomplete || state.Batches != 2 {
		t.Fatalf("state %s after %d batches", state.Status, state.Batches)
	}
	saved := cp.last()
	if saved.Cursor != "4" || saved.Counters.Transferred != 4 {
		t.Fatalf("checkpoint %+v", saved)
	}

	opts = testOptions()
	opts.Checkpoint = cp
	opts.Resume = saved
	state, err = run(t, src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	if state.RunID != saved.RunID || state.Counters.Transferred != 11 {
		t.Fatalf("resumed state %+v", state)
	}
	if !reflect.DeepEqual(full.snapshot(), dst.snapshot()) {
		t.Fatal("resumed destination differs from uninterrupted run")
	}
}

func TestScanConnectionErrorsAreRetried(t *testing.T) {
	src, dst := exampleSource(), newMemStore()
	src.scanErrs = 2
	state, err := run(t, src, dst, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if state.Counters.Transferred != 2 {
		t.Fatalf("counters %s", state.Counters)
	}
}

func TestScanRetriesExhaustedAbortsAtLastCheckpoint(t *testing.T) {
	src := newMemStore()
	for i := 0; i < 6; i++ {
		src.put(fmt.Sprintf("k%d", i), schema.StringValue("v"), schema.NoExpiry)
	}
	dst := newMemStore()
	cp := &memCheckpoint{}
	opts := testOptions()
	opts.Checkpoint = cp
	opts.OnBatch = func(s *schema.RunState, _ int) {
		if s.Batches == 1 {
			src.mu.Lock()
			src.scanErrs = 10
			src.mu.Unlock()
		}
	}

	state, err := run(t, src, dst, opts)
	var ce *schema.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if state.Status != schema.Incomplete || state.Cursor != "2" {
		t.Fatalf("state %s cursor %s", state.Status, state.Cursor)
	}
	if cp.last().Cursor != "2" || cp.saves != 1 {
		t.Fatalf("checkpoint %+v after %d saves", cp.last(), cp.saves)
	}
}

func TestDuplicateScanResultsAreProcessedOnce(t *testing.T) {
	src, dst := newMemStore(), newMemStore()
	for i := 0; i < 4; i++ {
		src.put(fmt.Sprintf("k%d", i), schema.StringValue("v"), schema.NoExpiry)
	}
	src.repeat = "k0"

	state, err := run(t, src, dst, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if state.Counters.Attempted != 4 || state.Counters.Duplicates != 2 {
		t.Fatalf("counters %s", state.Counters)
	}
	if dst.writes != 4 {
		t.Fatalf("%d writes", dst.writes)
	}
}

func TestPatternLimitsTransferredKeys(t *testing.T) {
	src, dst := newMemStore(), newMemStore()
	src.put("session:1", schema.StringValue("a"), schema.NoExpiry)
	src.put("session:2", schema.StringValue("b"), schema.NoExpiry)
	src.put("user:1", schema.StringValue("c"), schema.NoExpiry)
	opts := testOptions()
	opts.Pattern = "session:*"

	state, err := run(t, src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	if state.Counters.Transferred != 2 {
		t.Fatalf("counters %s", state.Counters)
	}
	if _, ok := dst.get("user:1"); ok {
		t.Fatal("key outside pattern copied")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": SkipExisting, "skip-existing": SkipExisting, "overwrite": Overwrite} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("merge"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestResumeFromFinishedCheckpointDoesNotRescan(t *testing.T) {
	src, dst := newMemStore(), newMemStore()
	for i := 0; i < 4; i++ {
		src.put(fmt.Sprintf("k%d", i), schema.StringValue("v"), schema.NoExpiry)
	}
	cp := &memCheckpoint{}
	opts := testOptions()
	opts.Checkpoint = cp
	first, err := run(t, src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	saved := cp.last()
	if !saved.Cursor.Done() {
		t.Fatalf("last checkpoint cursor %s", saved.Cursor)
	}

	writes := dst.writes
	opts = testOptions()
	opts.Checkpoint = cp
	opts.Resume = saved
	state, err := run(t, src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != schema.Completed || state.Batches != first.Batches {
		t.Fatalf("state %s after %d batches", state.Status, state.Batches)
	}
	if state.Counters != first.Counters {
		t.Fatalf("counters %s, want %s", state.Counters, first.Counters)
	}
	if dst.writes != writes || cp.saves != int(first.Batches) {
		t.Fatalf("resumed run did work: %d writes, %d saves", dst.writes-writes, cp.saves)
	}
}

func TestFailedCheckpointLeavesStateAtLastSave(t *testing.T) {
	src, dst := newMemStore(), newMemStore()
	for i := 0; i < 6; i++ {
		src.put(fmt.Sprintf("k%d", i), schema.StringValue("v"), schema.NoExpiry)
	}
	cp := &failingCheckpoint{failOn: 2}
	opts := testOptions()
	opts.Checkpoint = cp
	state, err := run(t, src, dst, opts)
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
	saved := cp.last()
	if state.Status != schema.Incomplete || state.Cursor != saved.Cursor || state.Batches != saved.Batches {
		t.Fatalf("state cursor %s batches %d, checkpoint cursor %s batches %d",
			state.Cursor, state.Batches, saved.Cursor, saved.Batches)
	}
	if state.Cursor != "2" || state.Counters != saved.Counters || state.Counters.Attempted != 2 {
		t.Fatalf("state %+v", state)
	}
}

func TestCanceledBatchIsNotObservedOrJournaled(t *testing.T) {
	src := newMemStore()
	for i := 0; i < 4; i++ {
		src.put(fmt.Sprintf("k%d", i), schema.StringValue("v"), schema.NoExpiry)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dst := &cancelOnWrite{memStore: newMemStore(), key: "k2", cancel: cancel}
	obs, journal := &memObserver{}, &memJournal{}

	opts := testOptions()
	opts.Observer = obs
	opts.Journal = journal
	e, err := New(src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	state, err := e.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if state.Batches != 1 || state.Counters.Attempted != 2 {
		t.Fatalf("state %+v", state)
	}
	if obs.total() != 2 || len(journal.records) != 2 {
		t.Fatalf("observed %d keys, journaled %d", obs.total(), len(journal.records))
	}
	for _, k := range []string{"k0", "k1"} {
		if _, ok := journal.records[k]; !ok {
			t.Fatalf("%s not journaled", k)
		}
	}
}
