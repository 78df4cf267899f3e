// Package ticket holds the aggregated record of one task run.
package ticket

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"mssqltask/internal/dbexec"
)

type State string

const (
	StateIdle    State = "idle"
	StateProcess State = "process"
	StateStop    State = "stop"
)

// Entry is the progress of one instance within a run.
type Entry struct {
	Ord        string `json:"ord"`
	Instance   string `json:"instance"`
	Title      string `json:"title,omitempty"`
	Worker     int    `json:"worker"`
	State      State  `json:"state,omitempty"`
	ServerPID  int    `json:"serverPid"`
	Rows       int    `json:"rows"`
	Messages   int    `json:"messages"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`

	// Callback payloads, only filled when delivery is enabled. They are
	// append-only and shared between clones; never modify elements in place.
	RowData     []dbexec.Row           `json:"-"`
	MessageData []dbexec.ServerMessage `json:"-"`
}

// Ticket aggregates one run. It is mutated by a single owner until Stop is set.
type Ticket struct {
	ID          string     `json:"id"`
	TaskKey     string     `json:"task"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop,omitempty"`
	UsedWorkers int        `json:"usedWorkers"`
	Entries     []Entry    `json:"entries"`

	index map[string]int
}

// New returns an empty ticket started at start.
func New(taskKey string, start time.Time) *Ticket {
	return &Ticket{ID: uuid.NewString(), TaskKey: taskKey, Start: start, index: map[string]int{}}
}

// Ordinal formats a run-scoped instance id.
func Ordinal(i int) string { return fmt.Sprintf("%03d", i) }

// Add appends an idle entry for an instance. Ordinals must be unique.
func (t *Ticket) Add(ord string, inst dbexec.Instance, worker int) {
	if t.index == nil {
		t.index = map[string]int{}
	}
	t.index[ord] = len(t.Entries)
	t.Entries = append(t.Entries, Entry{
		Ord:      ord,
		Instance: inst.Address,
		Title:    inst.Title,
		Worker:   worker,
		State:    StateIdle,
	})
}

// Find returns the entry for ord, or nil.
func (t *Ticket) Find(ord string) *Entry {
	if i, ok := t.index[ord]; ok {
		return &t.Entries[i]
	}
	for i := range t.Entries {
		if t.Entries[i].Ord == ord {
			return &t.Entries[i]
		}
	}
	return nil
}

// Complete reports whether every entry reached stop and the stop time is set.
func (t *Ticket) Complete() bool {
	if t.Stop == nil {
		return false
	}
	for _, e := range t.Entries {
		if e.State != StateStop {
			return false
		}
	}
	return true
}

// Failed counts entries carrying an error.
func (t *Ticket) Failed() int {
	n := 0
	for _, e := range t.Entries {
		if e.Error != "" {
			n++
		}
	}
	return n
}

func (t *Ticket) Duration() time.Duration {
	if t.Stop == nil {
		return 0
	}
	return t.Stop.Sub(t.Start)
}

// Clone returns a copy safe to hand to other goroutines. Callback payloads
// are shared with their capacity clipped, so appends on either side never
// show up in the other.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	if t.Stop != nil {
		s := *t.Stop
		c.Stop = &s
	}
	c.Entries = make([]Entry, len(t.Entries))
	for i, e := range t.Entries {
		e.RowData = slices.Clip(e.RowData)
		e.MessageData = slices.Clip(e.MessageData)
		c.Entries[i] = e
	}
	c.index = make(map[string]int, len(t.index))
	for k, v := range t.index {
		c.index[k] = v
	}
	return &c
}

// Snapshot renders the persisted form: indented JSON without transient fields.
func (t *Ticket) Snapshot() ([]byte, error) {
	c := *t
	c.Entries = make([]Entry, len(t.Entries))
	for i, e := range t.Entries {
		e.State = ""
		c.Entries[i] = e
	}
	return json.MarshalIndent(&c, "", "    ")
}
