// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// blockLogCapacity is the fixed ring capacity; newest-wins eviction.
const blockLogCapacity = 2048

// BlockLogEntry is one recorded query disposition.
type BlockLogEntry struct {
	Name        string      `yaml:"name"`
	Disposition Disposition `yaml:"disposition"`
	Timestamp   time.Time   `yaml:"timestamp"`
}

// MarshalYAML implements [yaml.Marshaler], rendering Disposition as its
// name rather than its underlying int, so the on-disk document is
// self-describing per spec.md §6.
func (e BlockLogEntry) MarshalYAML() (any, error) {
	return struct {
		Name        string    `yaml:"name"`
		Disposition string    `yaml:"disposition"`
		Timestamp   time.Time `yaml:"timestamp"`
	}{e.Name, e.Disposition.String(), e.Timestamp}, nil
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (e *BlockLogEntry) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name        string    `yaml:"name"`
		Disposition string    `yaml:"disposition"`
		Timestamp   time.Time `yaml:"timestamp"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	e.Name = raw.Name
	e.Timestamp = raw.Timestamp
	switch raw.Disposition {
	case "ALLOW":
		e.Disposition = ALLOW
	case "DENY":
		e.Disposition = DENY
	default:
		e.Disposition = IGNORE
	}
	return nil
}

// BlockLog is a fixed-capacity ring of recent query dispositions,
// persistable to a single YAML document on disk (spec.md §4.9/§6).
//
// It is mutated only by the pump goroutine and snapshotted under a
// short critical section for persistence, per spec.md §5.
type BlockLog struct {
	TimeNow func() time.Time

	mu      sync.Mutex
	entries []BlockLogEntry
	next    int
	full    bool
}

// NewBlockLog returns an empty [*BlockLog].
func NewBlockLog(timeNow func() time.Time) *BlockLog {
	return &BlockLog{
		TimeNow: timeNow,
		entries: make([]BlockLogEntry, blockLogCapacity),
	}
}

// Append records name's disposition with the current time, overwriting
// the oldest entry once the ring is full.
func (l *BlockLog) Append(name string, d Disposition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = BlockLogEntry{Name: name, Disposition: d, Timestamp: l.TimeNow()}
	l.next = (l.next + 1) % blockLogCapacity
	if l.next == 0 {
		l.full = true
	}
}

// Snapshot returns the ring's contents in insertion order.
func (l *BlockLog) Snapshot() []BlockLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if !l.full {
		out := make([]BlockLogEntry, n)
		copy(out, l.entries[:n])
		return out
	}
	out := make([]BlockLogEntry, blockLogCapacity)
	copy(out, l.entries[n:])
	copy(out[blockLogCapacity-n:], l.entries[:n])
	return out
}

// Persist writes the ring's current contents to path as YAML. Callers
// treat failure as a non-fatal warning reported via the status channel,
// never a state change (spec.md §4.9).
func (l *BlockLog) Persist(path string) error {
	data, err := yaml.Marshal(l.Snapshot())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadBlockLog loads a previously persisted ring from path into memory.
// A missing file is not an error: it means no prior run persisted a log,
// and an empty [*BlockLog] is returned.
func LoadBlockLog(path string, timeNow func() time.Time) (*BlockLog, error) {
	l := NewBlockLog(timeNow)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []BlockLogEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if len(l.entries) > 0 {
			l.entries[l.next] = e
			l.next = (l.next + 1) % blockLogCapacity
			if l.next == 0 {
				l.full = true
			}
		}
	}
	return l, nil
}
