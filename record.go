package redis_mirror

import (
	"fmt"
	"time"
)

// Outcome is what happened to one key during a sync run.
type Outcome int

const (
	Transferred Outcome = iota
	Overwritten
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Transferred:
		return "transferred"
	case Overwritten:
		return "overwritten"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Record is the outcome of one key in one run.
type Record struct {
	Handle  Handle
	Outcome Outcome
	// Cause is set for skipped and failed records.
	Cause error
}

// Counters accumulate records.
type Counters struct {
	Attempted   int64 `json:"attempted"`
	Transferred int64 `json:"transferred"`
	Overwritten int64 `json:"overwritten"`
	Skipped     int64 `json:"skipped"`
	Failed      int64 `json:"failed"`
	// Duplicates are keys returned again by the scan and not processed twice.
	Duplicates int64 `json:"duplicates"`
}

// Add counts one record.
func (c *Counters) Add(o Outcome) {
	c.Attempted++
	switch o {
	case Transferred:
		c.Transferred++
	case Overwritten:
		c.Overwritten++
	case Skipped:
		c.Skipped++
	case Failed:
		c.Failed++
	}
}

// Merge adds other into c.
func (c *Counters) Merge(other Counters) {
	c.Attempted += other.Attempted
	c.Transferred += other.Transferred
	c.Overwritten += other.Overwritten
	c.Skipped += other.Skipped
	c.Failed += other.Failed
	c.Duplicates += other.Duplicates
}

func (c Counters) String() string {
	return fmt.Sprintf("attempted=%d transferred=%d overwritten=%d skipped=%d failed=%d duplicates=%d",
		c.Attempted, c.Transferred, c.Overwritten, c.Skipped, c.Failed, c.Duplicates)
}

// Status is the lifecycle state of a run.
type Status int

const (
	Running Status = iota
	Completed
	CompletedWithErrors
	Incomplete
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case CompletedWithErrors:
		return "completed with errors"
	case Incomplete:
		return "incomplete"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MaxFailures bounds how many failed records a RunState keeps for display.
const MaxFailures = 100

// RunState is owned by exactly one transfer engine run.
type RunState struct {
	RunID   string
	Source  string
	DB      int
	Pattern string

	Cursor   Cursor
	Batches  int64
	Counters Counters

	Status   Status
	Failures []Record
	// Err is the reason an incomplete run stopped.
	Err error

	StartedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that does not share the failure slice.
func (s *RunState) Clone() *RunState {
	c := *s
	c.Failures = append([]Record(nil), s.Failures...)
	return &c
}
