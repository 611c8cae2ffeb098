package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"beamlinecore/pkg/domain"
)

// AttributeRegistry owns the movable attributes of the beamline. Commands are
// issued optimistically (BUSY, phase requested) and the authoritative value is
// applied from confirmed responses or server pushes.
type AttributeRegistry struct {
	run *runner

	mu       sync.Mutex
	attrs    map[string]*attributeEntry
	watchers map[string]*time.Timer
}

type attributeEntry struct {
	attr     domain.MovableAttribute
	inflight bool
	// generation increases with every confirmation applied to the attribute.
	generation uint64
}

// NewAttributeRegistry constructs an empty registry bound to a dispatcher.
func NewAttributeRegistry(d domain.Dispatcher, opts ...Option) *AttributeRegistry {
	return newAttributeRegistry(newRunner(d, buildOptions(opts)))
}

func newAttributeRegistry(r *runner) *AttributeRegistry {
	return &AttributeRegistry{
		run:      r,
		attrs:    make(map[string]*attributeEntry),
		watchers: make(map[string]*time.Timer),
	}
}

// FetchAll replaces the whole attribute set with a fresh snapshot. The last
// snapshot wins; in-flight markers survive for attributes still present so a
// pending command keeps its name serialized.
func (r *AttributeRegistry) FetchAll(ctx context.Context) error {
	resp, err := r.run.run(ctx, fetchAttributesCmd())
	if err != nil {
		return err
	}
	attrs, err := domain.DecodeAttributeSet(resp.Payload)
	if err != nil {
		r.run.report(ctx, OpFetchAttributes, err)
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*attributeEntry, len(attrs))
	for _, attr := range attrs {
		entry := &attributeEntry{attr: attr}
		if prev, ok := r.attrs[attr.Name]; ok {
			entry.generation = prev.generation + 1
			if prev.inflight {
				entry.inflight = true
				entry.attr.Requested = prev.attr.Requested
			}
		}
		next[attr.Name] = entry
	}
	r.attrs = next
	return nil
}

// Attributes returns every attribute sorted by name.
func (r *AttributeRegistry) Attributes() []domain.MovableAttribute {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.MovableAttribute, 0, len(r.attrs))
	for _, entry := range r.attrs {
		out = append(out, entry.attr.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Attribute returns one attribute by name.
func (r *AttributeRegistry) Attribute(name string) (domain.MovableAttribute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.attrs[name]
	if !ok {
		return domain.MovableAttribute{}, false
	}
	return entry.attr.Clone(), true
}

// SetAttribute moves an attribute to value. The attribute turns BUSY before the
// command is issued. A confirmed response makes it IDLE with the new value; a
// server rejection makes it ABORT; a transport failure or timeout makes it
// STALE since the actual outcome is unknown. Overlapping calls on the same
// attribute are rejected with ErrAttributeBusy.
func (r *AttributeRegistry) SetAttribute(ctx context.Context, name string, value any) error {
	r.mu.Lock()
	entry, err := r.lookupLocked(name)
	if err != nil {
		r.mu.Unlock()
		return r.reject(ctx, OpSetAttribute, err)
	}
	if entry.attr.Readonly {
		r.mu.Unlock()
		return r.reject(ctx, OpSetAttribute, fmt.Errorf("%w: %s", domain.ErrReadonlyAttribute, name))
	}
	if entry.inflight {
		r.mu.Unlock()
		return r.reject(ctx, OpSetAttribute, fmt.Errorf("%w: %s", domain.ErrAttributeBusy, name))
	}
	entry.inflight = true
	entry.attr.State = domain.AttributeBusy
	entry.attr.Phase = domain.PhaseRequested
	entry.attr.Requested = value
	r.mu.Unlock()

	resp, runErr := r.run.run(ctx, setAttributeCmd(name, value))

	var confirmed *domain.MovableAttribute
	if runErr == nil && len(resp.Payload) > 0 {
		if attr, decodeErr := domain.DecodeAttribute(resp.Payload); decodeErr == nil && attr.Name == name {
			confirmed = &attr
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.attrs[name]
	if !ok {
		return runErr
	}
	entry.inflight = false
	entry.attr.Requested = nil
	entry.generation++
	var rejected *domain.CommandRejectedError
	switch {
	case runErr == nil && confirmed != nil:
		entry.attr = mergeConfirmed(entry.attr, *confirmed, false)
	case runErr == nil:
		entry.attr.Value = value
		entry.attr.State = domain.AttributeIdle
		entry.attr.Phase = domain.PhaseConfirmed
	case errors.As(runErr, &rejected) && rejected.Transport:
		entry.attr.State = domain.AttributeStale
		entry.attr.Phase = domain.PhaseStale
	default:
		entry.attr.State = domain.AttributeAbort
		entry.attr.Phase = domain.PhaseConfirmed
	}
	return runErr
}

// ApplyPush applies a confirmed server push. A push always supersedes an
// optimistic BUSY flag; the requested value is kept while a command for the
// attribute is still awaiting its response.
func (r *AttributeRegistry) ApplyPush(attr domain.MovableAttribute) error {
	if attr.Name == "" {
		return fmt.Errorf("%w: pushed attribute without name", domain.ErrMalformedPayload)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.attrs[attr.Name]
	if !ok {
		attr.Phase = domain.PhaseConfirmed
		attr.Requested = nil
		r.attrs[attr.Name] = &attributeEntry{attr: attr.Clone(), generation: 1}
		return nil
	}
	entry.attr = mergeConfirmed(entry.attr, attr, entry.inflight)
	entry.generation++
	return nil
}

// Abort asks the device server to abort the action running on name. Local
// state is left to the subsequent confirmation; if none arrives within the
// abort timeout while the attribute is still BUSY it is marked STALE and a
// warning is raised. A pending SetAttribute keeps the name serialized until it
// returns.
func (r *AttributeRegistry) Abort(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, err := r.lookupLocked(name)
	if err != nil {
		r.mu.Unlock()
		return r.reject(ctx, OpAbortAttribute, err)
	}
	generation := entry.generation
	r.mu.Unlock()

	if _, err := r.run.run(ctx, abortAttributeCmd(name)); err != nil {
		return err
	}
	r.armAbortWatch(name, generation)
	return nil
}

func (r *AttributeRegistry) armAbortWatch(name string, generation uint64) {
	timeout := r.run.opts.abortTimeout
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.watchers[name]; ok {
		prev.Stop()
	}
	r.watchers[name] = time.AfterFunc(timeout, func() { r.expireAbort(name, generation) })
}

func (r *AttributeRegistry) expireAbort(name string, generation uint64) {
	r.mu.Lock()
	delete(r.watchers, name)
	entry, ok := r.attrs[name]
	if !ok || entry.generation != generation || entry.attr.State != domain.AttributeBusy {
		r.mu.Unlock()
		return
	}
	entry.attr.State = domain.AttributeStale
	entry.attr.Phase = domain.PhaseStale
	r.mu.Unlock()
	r.run.notify(context.Background(), SeverityWarning, OpAbortAttribute,
		fmt.Sprintf("no confirmation for %s after abort", name))
}

// PrepareForNewSample issues the preparatory beamline command. It touches no
// attribute state; failures are reported like any other command.
func (r *AttributeRegistry) PrepareForNewSample(ctx context.Context) error {
	_, err := r.run.run(ctx, prepareBeamlineCmd())
	return err
}

// RunAction starts a named beamline action with positional parameters.
func (r *AttributeRegistry) RunAction(ctx context.Context, name string, params []any) error {
	if name == "" {
		return r.reject(ctx, OpRunAction, errors.New("action name required"))
	}
	_, err := r.run.run(ctx, runActionCmd(name, params))
	return err
}

// Close stops pending abort watchdogs.
func (r *AttributeRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.watchers {
		t.Stop()
		delete(r.watchers, name)
	}
}

func (r *AttributeRegistry) lookupLocked(name string) (*attributeEntry, error) {
	entry, ok := r.attrs[name]
	if ok {
		return entry, nil
	}
	if suggestion := r.suggestLocked(name); suggestion != "" {
		return nil, fmt.Errorf("%w %q (did you mean %q?)", domain.ErrUnknownAttribute, name, suggestion)
	}
	return nil, fmt.Errorf("%w %q", domain.ErrUnknownAttribute, name)
}

// suggestLocked returns the closest known attribute name within a small edit
// distance.
func (r *AttributeRegistry) suggestLocked(name string) string {
	best, bestDist := "", -1
	for known := range r.attrs {
		d := levenshtein.ComputeDistance(name, known)
		if bestDist < 0 || d < bestDist || (d == bestDist && known < best) {
			best, bestDist = known, d
		}
	}
	limit := len(name) / 3
	if limit < 2 {
		limit = 2
	}
	if bestDist < 0 || bestDist > limit {
		return ""
	}
	return best
}

func (r *AttributeRegistry) reject(ctx context.Context, op string, err error) error {
	r.run.notify(ctx, SeverityWarning, op, err.Error())
	return err
}

func mergeConfirmed(current, confirmed domain.MovableAttribute, keepRequested bool) domain.MovableAttribute {
	next := confirmed.Clone()
	next.Phase = domain.PhaseConfirmed
	next.Requested = nil
	if keepRequested {
		next.Requested = current.Requested
	}
	if next.Commands == nil {
		next.Commands = append([]string(nil), current.Commands...)
	}
	return next
}
