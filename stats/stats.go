// Package stats exports scheduler occupancy as a pprof profile, the
// live-exporter counterpart to the original library's compile-time-gated
// counters.
package stats

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/RU-CS416-SPRING2017/Asst2/sched"
)

// Exporter snapshots a Scheduler's queue depths and current thread into
// a profile.Profile on demand.
type Exporter struct {
	s *sched.Scheduler
}

// NewExporter returns an Exporter reading live state from s.
func NewExporter(s *sched.Scheduler) *Exporter {
	return &Exporter{s: s}
}

// Snapshot builds a profile with one sample per priority level (value:
// number of threads queued there) plus, if a thread is dispatched, a
// "current_thread" sample labeled with its ID.
func (e *Exporter) Snapshot() *profile.Profile {
	queued, currentID, hasCurrent := e.s.Snapshot()

	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: "threads", Unit: "count"}},
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: int64(sched.BaseTimeSlice),
	}

	addSample := func(id uint64, name string, value int64, labels map[string][]string) {
		fn := &profile.Function{ID: id, Name: name}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{value},
			Label:    labels,
		})
	}

	for i := 0; i < sched.NumPriorityLevels; i++ {
		addSample(uint64(i+1), fmt.Sprintf("priority_level_%d", i), int64(queued[i]), nil)
	}
	if hasCurrent {
		addSample(uint64(sched.NumPriorityLevels+1), "current_thread", 1,
			map[string][]string{"thread_id": {fmt.Sprintf("%d", currentID)}})
	}
	return p
}

// Write serializes a fresh snapshot in the standard gzip-compressed
// pprof wire format.
func (e *Exporter) Write(w io.Writer) error {
	return e.Snapshot().Write(w)
}
