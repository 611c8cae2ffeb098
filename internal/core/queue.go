package core

import (
	"context"
	"fmt"
	"sync"

	"beamlinecore/pkg/domain"
)

// TaskCreator builds new tasks on request, typically by showing a parameter
// form to the operator. The queue itself never creates composite tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, req domain.TaskRequest) error
}

// TaskCreatorFunc adapts a function to TaskCreator.
type TaskCreatorFunc func(ctx context.Context, req domain.TaskRequest) error

// CreateTask implements TaskCreator.
func (f TaskCreatorFunc) CreateTask(ctx context.Context, req domain.TaskRequest) error {
	return f(ctx, req)
}

// TaskQueue owns the per-sample ordered task lists. Every mutation runs under
// one lock; queue IDs are allocated from a monotonic counter and never reused.
type TaskQueue struct {
	mu       sync.Mutex
	tasks    map[string][]domain.Task
	order    []string
	nextID   int64
	creator  TaskCreator
	logger   Logger
	onChange func(domain.QueueSnapshot)

	// version counts mutations; emitted is the newest version handed to the
	// change hook, so a slow hook never sees an older snapshot after a newer one.
	version uint64
	emitMu  sync.Mutex
	emitted uint64
}

// NewTaskQueue constructs an empty queue.
func NewTaskQueue(opts ...Option) *TaskQueue {
	return newTaskQueue(buildOptions(opts))
}

func newTaskQueue(o options) *TaskQueue {
	return &TaskQueue{
		tasks:   make(map[string][]domain.Task),
		nextID:  1,
		creator: o.creator,
		logger:  o.logger,
	}
}

// OnChange registers a hook receiving a snapshot after every mutation. The
// hook runs outside the queue lock.
func (q *TaskQueue) OnChange(fn func(domain.QueueSnapshot)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// AddTask inserts a new enabled PENDING task at index, or appends when index
// is negative or past the end.
func (q *TaskQueue) AddTask(sampleID string, kind domain.TaskKind, label string, params map[string]any, index int) (domain.Task, error) {
	if sampleID == "" {
		return domain.Task{}, fmt.Errorf("sample id required")
	}
	if _, err := domain.ParseTaskKind(string(kind)); err != nil {
		return domain.Task{}, err
	}
	q.mu.Lock()
	task := domain.Task{
		QueueID:    q.allocLocked(),
		SampleID:   sampleID,
		Kind:       kind,
		Label:      label,
		Parameters: domain.Task{Parameters: params}.Clone().Parameters,
		State:      domain.TaskPending,
		Enabled:    true,
	}
	q.insertLocked(sampleID, task, index)
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return task.Clone(), nil
}

// Tasks returns a copy of the sample's ordered tasks.
func (q *TaskQueue) Tasks(sampleID string) []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneTasks(q.tasks[sampleID])
}

// Task finds a task anywhere in the tree.
func (q *TaskQueue) Task(queueID int64) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sampleID, idx, ok := q.locateLocked(queueID)
	if !ok {
		return domain.Task{}, false
	}
	return q.tasks[sampleID][idx].Clone(), true
}

// MoveTask removes the task at from and reinserts it at to; the tasks in
// between shift by one. from == to is a no-op.
func (q *TaskQueue) MoveTask(sampleID string, from, to int) error {
	q.mu.Lock()
	list := q.tasks[sampleID]
	if err := checkIndex(list, from); err != nil {
		q.mu.Unlock()
		return err
	}
	if err := checkIndex(list, to); err != nil {
		q.mu.Unlock()
		return err
	}
	if from == to {
		q.mu.Unlock()
		return nil
	}
	moved := list[from]
	out := make([]domain.Task, 0, len(list))
	out = append(out, list[:from]...)
	out = append(out, list[from+1:]...)
	out = append(out[:to], append([]domain.Task{moved}, out[to:]...)...)
	q.tasks[sampleID] = out
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return nil
}

// SwapTasks exchanges the tasks at i and j.
func (q *TaskQueue) SwapTasks(sampleID string, i, j int) error {
	q.mu.Lock()
	list := q.tasks[sampleID]
	if err := checkIndex(list, i); err != nil {
		q.mu.Unlock()
		return err
	}
	if err := checkIndex(list, j); err != nil {
		q.mu.Unlock()
		return err
	}
	list[i], list[j] = list[j], list[i]
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return nil
}

// DuplicateTask appends a copy of the task at index to the same sample with a
// fresh queue ID. It reports false when no task sits at index.
func (q *TaskQueue) DuplicateTask(sampleID string, index int) (domain.Task, bool) {
	q.mu.Lock()
	list := q.tasks[sampleID]
	if index < 0 || index >= len(list) {
		q.mu.Unlock()
		return domain.Task{}, false
	}
	src := list[index]
	dup := domain.Task{
		QueueID:    q.allocLocked(),
		SampleID:   sampleID,
		Kind:       src.Kind,
		Label:      src.Label,
		Parameters: src.Clone().Parameters,
		State:      domain.TaskPending,
		Enabled:    true,
	}
	q.tasks[sampleID] = append(list, dup)
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return dup.Clone(), true
}

// DeleteTask removes a task by queue ID.
func (q *TaskQueue) DeleteTask(queueID int64) error {
	q.mu.Lock()
	sampleID, idx, ok := q.locateLocked(queueID)
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", domain.ErrTaskNotFound, queueID)
	}
	list := q.tasks[sampleID]
	q.tasks[sampleID] = append(list[:idx:idx], list[idx+1:]...)
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return nil
}

// ToggleSelect flips the selection flag of one task.
func (q *TaskQueue) ToggleSelect(queueID int64) error {
	return q.mutateTask(queueID, func(t *domain.Task) { t.Selected = !t.Selected })
}

// Collapse flips the collapsed display flag of one task.
func (q *TaskQueue) Collapse(queueID int64) error {
	return q.mutateTask(queueID, func(t *domain.Task) { t.Collapsed = !t.Collapsed })
}

// HeaderClick handles a click on a task header: with the modifier held it
// toggles selection, otherwise it toggles collapse.
func (q *TaskQueue) HeaderClick(queueID int64, modifier bool) error {
	if modifier {
		return q.ToggleSelect(queueID)
	}
	return q.Collapse(queueID)
}

// UpdateTask replaces the parameters of a queued task. The queue ID, position
// and execution state are kept.
func (q *TaskQueue) UpdateTask(queueID int64, params map[string]any) error {
	params = domain.Task{Parameters: params}.Clone().Parameters
	return q.mutateTask(queueID, func(t *domain.Task) { t.Parameters = params })
}

// SetEnabled sets the enabled flag of every listed task. Unknown queue IDs
// fail the whole call and leave the queue untouched.
func (q *TaskQueue) SetEnabled(queueIDs []int64, enabled bool) error {
	q.mu.Lock()
	type position struct {
		sampleID string
		idx      int
	}
	targets := make([]position, 0, len(queueIDs))
	for _, id := range queueIDs {
		sampleID, idx, ok := q.locateLocked(id)
		if !ok {
			q.mu.Unlock()
			return fmt.Errorf("%w: %d", domain.ErrTaskNotFound, id)
		}
		targets = append(targets, position{sampleID, idx})
	}
	if len(targets) == 0 {
		q.mu.Unlock()
		return nil
	}
	for _, p := range targets {
		q.tasks[p.sampleID][p.idx].Enabled = enabled
	}
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return nil
}

// ToggleEnabled flips the enabled flag of one task.
func (q *TaskQueue) ToggleEnabled(queueID int64) error {
	return q.mutateTask(queueID, func(t *domain.Task) { t.Enabled = !t.Enabled })
}

// UpdateExecution records the execution state reported by the execution
// engine.
func (q *TaskQueue) UpdateExecution(queueID int64, state domain.TaskState, progress float64) error {
	if _, err := domain.ParseTaskState(string(state)); err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return q.mutateTask(queueID, func(t *domain.Task) {
		t.State = state
		t.Progress = progress
	})
}

// SelectedTasks returns the selected tasks of a sample in queue order.
func (q *TaskQueue) SelectedTasks(sampleID string) []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, selected := selectedLocked(q.tasks[sampleID])
	return selected
}

// InterleavedAvailable reports whether more than one task is selected and all
// selected tasks can be interleaved.
func (q *TaskQueue) InterleavedAvailable(sampleID string) bool {
	return interleavable(q.SelectedTasks(sampleID))
}

// CreateInterleavedGroup asks the task creator for a composite task built
// from the current selection. The queue is not modified here.
func (q *TaskQueue) CreateInterleavedGroup(ctx context.Context, sampleID string) error {
	q.mu.Lock()
	indices, selected := selectedLocked(q.tasks[sampleID])
	creator := q.creator
	q.mu.Unlock()

	if !interleavable(selected) {
		return fmt.Errorf("%w: sample %s", domain.ErrInterleavedUnavailable, sampleID)
	}
	if creator == nil {
		return fmt.Errorf("%w: no task creator configured", domain.ErrInterleavedUnavailable)
	}
	req := domain.TaskRequest{
		Kind:      domain.KindInterleaved,
		SampleIDs: []string{sampleID},
		Parameters: map[string]any{
			"taskIndexList": indices,
			"wedges":        selected,
		},
		Index: -1,
	}
	q.logger.Debug("request interleaved group", "sample", sampleID, "tasks", len(selected))
	return creator.CreateTask(ctx, req)
}

// SampleOrder returns the order in which samples were queued or last set.
func (q *TaskQueue) SampleOrder() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.order...)
}

// SetSampleOrder reorders samples. The new order must be a permutation of the
// queued samples.
func (q *TaskQueue) SetSampleOrder(order []string) error {
	q.mu.Lock()
	if len(order) != len(q.order) {
		q.mu.Unlock()
		return fmt.Errorf("sample order has %d entries, queue has %d samples", len(order), len(q.order))
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if _, ok := q.tasks[id]; !ok || seen[id] {
			q.mu.Unlock()
			return fmt.Errorf("sample order entry %q is unknown or repeated", id)
		}
		seen[id] = true
	}
	q.order = append([]string(nil), order...)
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return nil
}

// Clear empties the queue. Queue IDs keep increasing afterwards.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	q.tasks = make(map[string][]domain.Task)
	q.order = nil
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
}

// Snapshot returns a deep copy of the whole queue.
func (q *TaskQueue) Snapshot() domain.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Restore replaces the queue with a validated snapshot. The change hook is not
// invoked, but hook calls for earlier mutations still in progress are dropped.
func (q *TaskQueue) Restore(snap domain.QueueSnapshot) error {
	_, err := q.restore(snap)
	return err
}

// Replace is Restore followed by the change hook, so the replacement is
// persisted in order with every other mutation.
func (q *TaskQueue) Replace(snap domain.QueueSnapshot) error {
	change, err := q.restore(snap)
	if err != nil {
		return err
	}
	q.emit(change)
	return nil
}

func (q *TaskQueue) restore(snap domain.QueueSnapshot) (*queueChange, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	snap = snap.Clone()
	order := make([]string, 0, len(snap.Tasks))
	seen := make(map[string]bool, len(snap.Tasks))
	for _, id := range snap.SampleOrder {
		if _, ok := snap.Tasks[id]; ok && !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	for id := range snap.Tasks {
		if !seen[id] {
			order = append(order, id)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = snap.Tasks
	q.order = order
	if snap.NextQueueID > q.nextID {
		q.nextID = snap.NextQueueID
	}
	return q.changedLocked(), nil
}

func (q *TaskQueue) mutateTask(queueID int64, fn func(*domain.Task)) error {
	q.mu.Lock()
	sampleID, idx, ok := q.locateLocked(queueID)
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", domain.ErrTaskNotFound, queueID)
	}
	fn(&q.tasks[sampleID][idx])
	snap := q.changedLocked()
	q.mu.Unlock()
	q.emit(snap)
	return nil
}

func (q *TaskQueue) allocLocked() int64 {
	id := q.nextID
	q.nextID++
	return id
}

func (q *TaskQueue) insertLocked(sampleID string, task domain.Task, index int) {
	list, known := q.tasks[sampleID]
	if !known {
		q.order = append(q.order, sampleID)
	}
	if index < 0 || index >= len(list) {
		q.tasks[sampleID] = append(list, task)
		return
	}
	out := make([]domain.Task, 0, len(list)+1)
	out = append(out, list[:index]...)
	out = append(out, task)
	out = append(out, list[index:]...)
	q.tasks[sampleID] = out
}

func (q *TaskQueue) locateLocked(queueID int64) (string, int, bool) {
	for sampleID, list := range q.tasks {
		for i, t := range list {
			if t.QueueID == queueID {
				return sampleID, i, true
			}
		}
	}
	return "", 0, false
}

func (q *TaskQueue) snapshotLocked() domain.QueueSnapshot {
	snap := domain.QueueSnapshot{
		Tasks:       q.tasks,
		SampleOrder: q.order,
		NextQueueID: q.nextID,
	}
	return snap.Clone()
}

type queueChange struct {
	version uint64
	fn      func(domain.QueueSnapshot)
	snap    domain.QueueSnapshot
}

// changedLocked records a mutation and returns what to hand to the change
// hook, or nil when no hook is registered.
func (q *TaskQueue) changedLocked() *queueChange {
	q.version++
	if q.onChange == nil {
		return nil
	}
	return &queueChange{version: q.version, fn: q.onChange, snap: q.snapshotLocked()}
}

func (q *TaskQueue) emit(change *queueChange) {
	if change == nil {
		return
	}
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	if change.version <= q.emitted {
		return
	}
	q.emitted = change.version
	change.fn(change.snap)
}

func selectedLocked(list []domain.Task) ([]int, []domain.Task) {
	var (
		indices  []int
		selected []domain.Task
	)
	for i, t := range list {
		if t.Selected {
			indices = append(indices, i)
			selected = append(selected, t.Clone())
		}
	}
	return indices, selected
}

func interleavable(selected []domain.Task) bool {
	if len(selected) < 2 {
		return false
	}
	for _, t := range selected {
		if !t.Kind.Interleavable() {
			return false
		}
	}
	return true
}

func checkIndex(list []domain.Task, i int) error {
	if i < 0 || i >= len(list) {
		return fmt.Errorf("%w: %d (length %d)", domain.ErrIndexOutOfRange, i, len(list))
	}
	return nil
}

func cloneTasks(list []domain.Task) []domain.Task {
	if list == nil {
		return nil
	}
	out := make([]domain.Task, len(list))
	for i, t := range list {
		out[i] = t.Clone()
	}
	return out
}
