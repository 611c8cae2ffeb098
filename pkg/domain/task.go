package domain

import (
	"fmt"
	"reflect"
	"time"
)

// TaskKind is the closed set of experiment task kinds a queue can hold.
type TaskKind string

const (
	KindDataCollection   TaskKind = "DataCollection"
	KindCharacterisation TaskKind = "Characterisation"
	KindCentring         TaskKind = "Centring"
	KindMesh             TaskKind = "Mesh"
	KindXRFScan          TaskKind = "XRFScan"
	KindEnergyScan       TaskKind = "EnergyScan"
	KindWorkflow         TaskKind = "Workflow"
	KindInterleaved      TaskKind = "Interleaved"
)

var taskKinds = map[TaskKind]struct{}{
	KindDataCollection:   {},
	KindCharacterisation: {},
	KindCentring:         {},
	KindMesh:             {},
	KindXRFScan:          {},
	KindEnergyScan:       {},
	KindWorkflow:         {},
	KindInterleaved:      {},
}

// ParseTaskKind validates a task kind received from outside the core.
func ParseTaskKind(raw string) (TaskKind, error) {
	kind := TaskKind(raw)
	if _, ok := taskKinds[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskKind, raw)
	}
	return kind, nil
}

// Interleavable reports whether tasks of this kind may be grouped into an
// interleaved composite.
func (k TaskKind) Interleavable() bool {
	return k == KindDataCollection
}

// TaskState is the execution state written by the external execution engine.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
)

// ParseTaskState validates an execution state.
func ParseTaskState(raw string) (TaskState, error) {
	switch s := TaskState(raw); s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown task state %q", raw)
	}
}

// Task is one queued experiment step for a sample.
type Task struct {
	QueueID    int64          `json:"queueID"`
	SampleID   string         `json:"sampleID"`
	Kind       TaskKind       `json:"type"`
	Label      string         `json:"label"`
	Parameters map[string]any `json:"parameters,omitempty"`
	State      TaskState      `json:"state"`
	Selected   bool           `json:"selected"`
	Collapsed  bool           `json:"collapsed"`
	// Enabled tasks are picked up by the execution engine; disabled ones stay
	// queued but are skipped.
	Enabled    bool           `json:"enabled"`
	Progress   float64        `json:"progress"`
}

// Clone deep-copies the task, including nested parameter maps and slices.
func (t Task) Clone() Task {
	out := t
	out.Parameters = cloneParams(t.Parameters)
	return out
}

// SameContent reports whether two tasks carry the same kind, label and
// parameters, ignoring identity and display state.
func (t Task) SameContent(other Task) bool {
	return t.Kind == other.Kind && t.Label == other.Label && reflect.DeepEqual(t.Parameters, other.Parameters)
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneParams(typed)
	case []any:
		cp := make([]any, len(typed))
		for i, item := range typed {
			cp[i] = cloneValue(item)
		}
		return cp
	case []Task:
		cp := make([]Task, len(typed))
		for i, item := range typed {
			cp[i] = item.Clone()
		}
		return cp
	case []int:
		return append([]int(nil), typed...)
	default:
		return v
	}
}

// TaskRequest asks an external task-creation handler to build a new task.
// Index -1 means append.
type TaskRequest struct {
	Kind       TaskKind       `json:"type"`
	SampleIDs  []string       `json:"sampleIDs"`
	Parameters map[string]any `json:"parameters"`
	Index      int            `json:"index"`
}

// QueueSnapshot is a point-in-time copy of the whole task queue tree.
type QueueSnapshot struct {
	Tasks       map[string][]Task `json:"tasks"`
	SampleOrder []string          `json:"sample_order"`
	NextQueueID int64             `json:"next_queue_id"`
}

// Clone deep-copies the snapshot.
func (s QueueSnapshot) Clone() QueueSnapshot {
	out := QueueSnapshot{
		Tasks:       make(map[string][]Task, len(s.Tasks)),
		SampleOrder: append([]string(nil), s.SampleOrder...),
		NextQueueID: s.NextQueueID,
	}
	for sampleID, tasks := range s.Tasks {
		cp := make([]Task, len(tasks))
		for i, t := range tasks {
			cp[i] = t.Clone()
		}
		out.Tasks[sampleID] = cp
	}
	return out
}

// Validate checks the queue-wide invariants: queue IDs are positive, unique
// across the whole tree and below NextQueueID. Every task sits under its own
// sample with a known kind and execution state.
func (s QueueSnapshot) Validate() error {
	seen := make(map[int64]string)
	for sampleID, tasks := range s.Tasks {
		for _, t := range tasks {
			if t.QueueID <= 0 {
				return fmt.Errorf("task in sample %s has invalid queue id %d", sampleID, t.QueueID)
			}
			if other, dup := seen[t.QueueID]; dup {
				return fmt.Errorf("queue id %d duplicated in samples %s and %s", t.QueueID, other, sampleID)
			}
			if t.SampleID != sampleID {
				return fmt.Errorf("task %d claims sample %s but is queued under %s", t.QueueID, t.SampleID, sampleID)
			}
			if t.QueueID >= s.NextQueueID {
				return fmt.Errorf("task %d not below next queue id %d", t.QueueID, s.NextQueueID)
			}
			if _, err := ParseTaskKind(string(t.Kind)); err != nil {
				return fmt.Errorf("task %d: %w", t.QueueID, err)
			}
			if _, err := ParseTaskState(string(t.State)); err != nil {
				return fmt.Errorf("task %d: %w", t.QueueID, err)
			}
			seen[t.QueueID] = sampleID
		}
	}
	return nil
}

// ArchiveEntry describes one exported queue snapshot.
type ArchiveEntry struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}
