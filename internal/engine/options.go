package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

// Policy decides what happens to keys that already exist on the destination.
type Policy int

const (
	// SkipExisting leaves existing destination keys untouched.
	SkipExisting Policy = iota
	// Overwrite replaces destination keys whatever their type.
	Overwrite
)

func (p Policy) String() string {
	if p == Overwrite {
		return "overwrite"
	}
	return "skip-existing"
}

// ParsePolicy accepts "skip-existing" and "overwrite".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "skip-existing", "skip":
		return SkipExisting, nil
	case "overwrite", "replace":
		return Overwrite, nil
	}
	return SkipExisting, fmt.Errorf("unknown overwrite policy %q", s)
}

// Checkpointer persists the state after each completed batch.
type Checkpointer interface {
	Save(*schema.RunState) error
}

// Observer receives run metrics.
type Observer interface {
	ObserveKey(op, outcome string)
	ObserveBatch(op string, d time.Duration)
	ObserveRetry(op string)
}

const (
	DefaultBatchSize = 1000
	DefaultWorkers   = 8
	DefaultRetries   = 3
	DefaultBackoff   = 200 * time.Millisecond
	DefaultDedupSize = 100000

	maxBackoff = 10 * time.Second
)

// Options configure one run.
type Options struct {
	// Source names the source store in the run state and checkpoints.
	Source  string
	DB      int
	Pattern string

	// BatchSize is the COUNT hint of every scan call.
	BatchSize int
	// Workers bounds concurrent key transfers within a batch.
	Workers int
	Policy  Policy

	// Resume continues a checkpointed run from its cursor and counters.
	Resume *schema.RunState

	Checkpoint Checkpointer
	Journal    schema.Journal
	Observer   Observer

	// Retries is how many times a scan call failing with a connection
	// error is retried before the run is aborted.
	Retries int
	Backoff time.Duration

	// DedupSize is the capacity of the seen-keys cache, negative disables it.
	DedupSize int

	// OnBatch is called after every checkpointed batch with the number of
	// keys the batch returned.
	OnBatch func(state *schema.RunState, keys int)

	Logger logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.DedupSize == 0 {
		o.DedupSize = DefaultDedupSize
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}
