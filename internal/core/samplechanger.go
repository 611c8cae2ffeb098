package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"beamlinecore/pkg/domain"
)

// SampleChangerCoordinator owns the robot view: contents tree, loaded sample
// and robot state. Load and unload share a single slot because the robot is
// one physical device.
type SampleChangerCoordinator struct {
	run *runner

	mu         sync.Mutex
	contents   domain.Contents
	loaded     domain.LoadedSample
	robot      domain.RobotState
	lastResult json.RawMessage
	inFlight   string
}

// NewSampleChangerCoordinator constructs a coordinator bound to a dispatcher.
func NewSampleChangerCoordinator(d domain.Dispatcher, opts ...Option) *SampleChangerCoordinator {
	return newSampleChangerCoordinator(newRunner(d, buildOptions(opts)))
}

func newSampleChangerCoordinator(r *runner) *SampleChangerCoordinator {
	return &SampleChangerCoordinator{run: r}
}

// Contents returns a copy of the current contents tree.
func (c *SampleChangerCoordinator) Contents() domain.Contents {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contents.Clone()
}

// LoadedSample returns the mounted sample, or the zero value when nothing is
// loaded.
func (c *SampleChangerCoordinator) LoadedSample() domain.LoadedSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// RobotState returns the last known robot state.
func (c *SampleChangerCoordinator) RobotState() domain.RobotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.robot
}

// LastCommandResult returns the raw payload of the last successful SendCommand.
func (c *SampleChangerCoordinator) LastCommandResult() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(json.RawMessage(nil), c.lastResult...)
}

// InFlight names the load/unload operation currently holding the robot slot.
func (c *SampleChangerCoordinator) InFlight() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Refresh fetches contents and the loaded sample concurrently. Each slice is
// updated on its own; a failure in one never rolls back the other. When either
// fetch fails a *domain.PartialUpdateError is returned.
func (c *SampleChangerCoordinator) Refresh(ctx context.Context) error {
	var (
		wg                   sync.WaitGroup
		contentsErr, loadErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		contentsErr = c.refreshContents(ctx)
	}()
	go func() {
		defer wg.Done()
		loadErr = c.refreshLoaded(ctx)
	}()
	wg.Wait()
	if contentsErr == nil && loadErr == nil {
		return nil
	}
	return &domain.PartialUpdateError{Contents: contentsErr, Loaded: loadErr}
}

func (c *SampleChangerCoordinator) refreshContents(ctx context.Context) error {
	resp, err := c.run.run(ctx, fetchContentsCmd())
	if err != nil {
		return err
	}
	return c.replaceContents(ctx, OpFetchContents, resp.Payload)
}

func (c *SampleChangerCoordinator) refreshLoaded(ctx context.Context) error {
	resp, err := c.run.run(ctx, fetchLoadedCmd())
	if err != nil {
		return err
	}
	loaded, err := domain.DecodeLoadedSample(resp.Payload)
	if err != nil {
		c.run.report(ctx, OpFetchLoaded, err)
		return err
	}
	c.mu.Lock()
	c.loaded = loaded
	c.mu.Unlock()
	return nil
}

// Select selects a container and replaces the contents tree from the response.
func (c *SampleChangerCoordinator) Select(ctx context.Context, address string) error {
	resp, err := c.run.run(ctx, selectCmd(address))
	if err != nil {
		return err
	}
	return c.replaceContents(ctx, OpSelect, resp.Payload)
}

// Scan scans a location and replaces the contents tree from the response.
func (c *SampleChangerCoordinator) Scan(ctx context.Context, address string) error {
	resp, err := c.run.run(ctx, scanCmd(address))
	if err != nil {
		return err
	}
	return c.replaceContents(ctx, OpScan, resp.Payload)
}

// Load mounts a sample. Loading the sample already mounted dispatches nothing.
// On rejection the loaded sample and contents stay exactly as they were. On
// success the loaded sample is set, contents are replaced from the response, a
// full Refresh reconciles drift, and done (if any) is invoked.
func (c *SampleChangerCoordinator) Load(ctx context.Context, sample domain.SampleData, done func()) error {
	c.mu.Lock()
	if c.loaded.Address == sample.Location {
		c.mu.Unlock()
		return nil
	}
	if err := c.acquireLocked(OpMount); err != nil {
		c.mu.Unlock()
		c.run.notify(ctx, SeverityWarning, OpMount, err.Error())
		return err
	}
	c.mu.Unlock()

	resp, err := c.run.run(ctx, mountCmd(sample))
	if err != nil {
		c.release()
		return err
	}
	c.mu.Lock()
	c.loaded = domain.LoadedSample{Address: sample.Location, SampleID: sample.SampleID}
	c.mu.Unlock()
	if len(resp.Payload) > 0 {
		// The mount itself succeeded; a bad payload is reported and the
		// refresh below reconciles contents.
		_ = c.replaceContents(ctx, OpMount, resp.Payload)
	}
	c.release()

	if err := c.Refresh(ctx); err != nil {
		c.run.opts.logger.Warn("refresh after load incomplete", "error", err)
	}
	if done != nil {
		done()
	}
	return nil
}

// Unload unmounts the sample at location, or the current sample when location
// is empty. On success the loaded sample is cleared.
func (c *SampleChangerCoordinator) Unload(ctx context.Context, location string) error {
	cmd := unmountCmd(location)
	c.mu.Lock()
	if err := c.acquireLocked(cmd.Operation); err != nil {
		c.mu.Unlock()
		c.run.notify(ctx, SeverityWarning, cmd.Operation, err.Error())
		return err
	}
	c.mu.Unlock()
	defer c.release()

	resp, err := c.run.run(ctx, cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loaded = domain.LoadedSample{}
	c.mu.Unlock()
	if len(resp.Payload) > 0 {
		_ = c.replaceContents(ctx, cmd.Operation, resp.Payload)
	}
	return nil
}

// Abort requests the robot to abort. It never waits for the slot; failures are
// reported through the notifier.
func (c *SampleChangerCoordinator) Abort(ctx context.Context) error {
	if _, err := c.run.run(ctx, robotAbortCmd()); err != nil {
		return err
	}
	c.run.opts.logger.Info("sample changer abort accepted")
	return nil
}

// SendCommand forwards a maintenance command and keeps its raw answer.
func (c *SampleChangerCoordinator) SendCommand(ctx context.Context, cmdParts string) (json.RawMessage, error) {
	if cmdParts == "" {
		err := fmt.Errorf("%w: empty command", domain.ErrMalformedPayload)
		c.run.notify(ctx, SeverityWarning, OpSendCommand, err.Error())
		return nil, err
	}
	resp, err := c.run.run(ctx, sendCommandCmd(cmdParts))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastResult = append(json.RawMessage(nil), resp.Payload...)
	c.mu.Unlock()
	return resp.Payload, nil
}

// RefreshState fetches the coarse robot state and its global state.
func (c *SampleChangerCoordinator) RefreshState(ctx context.Context) error {
	resp, err := c.run.run(ctx, fetchRobotStateCmd())
	if err != nil {
		return err
	}
	var st struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Payload, &st); err != nil {
		err = fmt.Errorf("%w: robot state: %v", domain.ErrMalformedPayload, err)
		c.run.report(ctx, OpFetchRobotState, err)
		return err
	}

	resp, err = c.run.run(ctx, fetchGlobalStateCmd())
	if err != nil {
		c.ApplyState(st.State)
		return err
	}
	var global domain.GlobalState
	if len(resp.Payload) > 0 && string(resp.Payload) != "null" {
		if err := json.Unmarshal(resp.Payload, &global); err != nil {
			err = fmt.Errorf("%w: global state: %v", domain.ErrMalformedPayload, err)
			c.run.report(ctx, OpFetchGlobalState, err)
			c.ApplyState(st.State)
			return err
		}
	}
	c.mu.Lock()
	c.robot = domain.RobotState{State: st.State, Global: global}
	c.mu.Unlock()
	return nil
}

// Initialize loads the one-shot initial snapshot of the sample changer.
func (c *SampleChangerCoordinator) Initialize(ctx context.Context) error {
	resp, err := c.run.run(ctx, initialStateCmd())
	if err != nil {
		return err
	}
	initial, err := domain.DecodeInitialState(resp.Payload)
	if err != nil {
		c.run.report(ctx, OpInitialState, err)
		return err
	}
	c.mu.Lock()
	c.contents = initial.Contents
	c.loaded = initial.LoadedSample
	c.robot = domain.RobotState{State: initial.State, Global: initial.Global}
	c.mu.Unlock()
	return nil
}

// ApplyState records a pushed robot state.
func (c *SampleChangerCoordinator) ApplyState(state string) {
	c.mu.Lock()
	c.robot.State = state
	c.mu.Unlock()
}

func (c *SampleChangerCoordinator) replaceContents(ctx context.Context, op string, payload []byte) error {
	contents, err := domain.DecodeContents(payload)
	if err != nil {
		c.run.report(ctx, op, err)
		return err
	}
	c.mu.Lock()
	c.contents = contents
	c.mu.Unlock()
	return nil
}

func (c *SampleChangerCoordinator) acquireLocked(op string) error {
	if c.inFlight != "" {
		return fmt.Errorf("%w: %s in flight", domain.ErrRobotBusy, c.inFlight)
	}
	c.inFlight = op
	return nil
}

func (c *SampleChangerCoordinator) release() {
	c.mu.Lock()
	c.inFlight = ""
	c.mu.Unlock()
}
