package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"beamlinecore/pkg/domain"
)

// Operation names used for commands, metrics and traces.
const (
	OpFetchAttributes  = "fetch_attributes"
	OpSetAttribute     = "set_attribute"
	OpAbortAttribute   = "abort_attribute"
	OpRunAction        = "run_action"
	OpPrepareBeamline  = "prepare_beamline"
	OpFetchContents    = "fetch_contents"
	OpFetchLoaded      = "fetch_loaded_sample"
	OpSelect           = "select"
	OpScan             = "scan"
	OpMount            = "mount"
	OpUnmount          = "unmount"
	OpUnmountCurrent   = "unmount_current"
	OpRobotAbort       = "robot_abort"
	OpSendCommand      = "send_command"
	OpFetchRobotState  = "fetch_robot_state"
	OpFetchGlobalState = "fetch_global_state"
	OpInitialState     = "fetch_initial_state"
)

func fetchAttributesCmd() domain.Command {
	return domain.Command{Operation: OpFetchAttributes, Method: http.MethodGet, Path: "beamline/"}
}

func setAttributeCmd(name string, value any) domain.Command {
	return domain.Command{
		Operation: OpSetAttribute,
		Method:    http.MethodPut,
		Path:      "beamline/" + url.PathEscape(name),
		Body:      map[string]any{"name": name, "value": value},
	}
}

func abortAttributeCmd(name string) domain.Command {
	return domain.Command{Operation: OpAbortAttribute, Method: http.MethodGet, Path: "beamline/" + url.PathEscape(name) + "/abort"}
}

func runActionCmd(name string, params []any) domain.Command {
	if params == nil {
		params = []any{}
	}
	return domain.Command{
		Operation: OpRunAction,
		Method:    http.MethodPost,
		Path:      "beamline/" + url.PathEscape(name) + "/run",
		Body:      map[string]any{"parameters": params},
	}
}

func prepareBeamlineCmd() domain.Command {
	return domain.Command{Operation: OpPrepareBeamline, Method: http.MethodPut, Path: "beamline/prepare_beamline"}
}

func fetchContentsCmd() domain.Command {
	return domain.Command{Operation: OpFetchContents, Method: http.MethodGet, Path: "sample_changer/contents"}
}

func fetchLoadedCmd() domain.Command {
	return domain.Command{Operation: OpFetchLoaded, Method: http.MethodGet, Path: "sample_changer/loaded_sample"}
}

func selectCmd(address string) domain.Command {
	return domain.Command{Operation: OpSelect, Method: http.MethodGet, Path: "sample_changer/select/" + url.PathEscape(address)}
}

func scanCmd(address string) domain.Command {
	return domain.Command{Operation: OpScan, Method: http.MethodGet, Path: "sample_changer/scan/" + url.PathEscape(address)}
}

func mountCmd(sample domain.SampleData) domain.Command {
	return domain.Command{Operation: OpMount, Method: http.MethodPost, Path: "sample_changer/mount", Body: sample}
}

func unmountCmd(location string) domain.Command {
	body := map[string]string{"location": location, "sampleID": location}
	if location != "" {
		return domain.Command{Operation: OpUnmount, Method: http.MethodPost, Path: "sample_changer/unmount", Body: body}
	}
	return domain.Command{Operation: OpUnmountCurrent, Method: http.MethodPost, Path: "sample_changer/unmount_current", Body: body}
}

func robotAbortCmd() domain.Command {
	return domain.Command{Operation: OpRobotAbort, Method: http.MethodGet, Path: "sample_changer/send_command/abort"}
}

func sendCommandCmd(cmdParts string) domain.Command {
	return domain.Command{Operation: OpSendCommand, Method: http.MethodGet, Path: "sample_changer/send_command/" + url.PathEscape(cmdParts)}
}

func fetchRobotStateCmd() domain.Command {
	return domain.Command{Operation: OpFetchRobotState, Method: http.MethodGet, Path: "sample_changer/state"}
}

func fetchGlobalStateCmd() domain.Command {
	return domain.Command{Operation: OpFetchGlobalState, Method: http.MethodGet, Path: "sample_changer/get_global_state"}
}

func initialStateCmd() domain.Command {
	return domain.Command{Operation: OpInitialState, Method: http.MethodGet, Path: "sample_changer/get_initial_state"}
}

// runner executes commands against the dispatcher. Every call is bounded by
// the command timeout, traced, measured, and every failure is normalized to a
// CommandRejectedError and handed to the notifier.
type runner struct {
	dispatcher domain.Dispatcher
	opts       options
}

func newRunner(d domain.Dispatcher, opts options) *runner {
	return &runner{dispatcher: d, opts: opts}
}

func (r *runner) run(ctx context.Context, cmd domain.Command) (domain.Response, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	ctx, span := r.opts.tracer.Start(ctx, cmd.Operation)
	start := r.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, r.opts.commandTimeout)
	defer cancel()

	r.opts.logger.Debug("dispatch command",
		"operation", cmd.Operation,
		"request_id", cmd.RequestID,
		"method", cmd.Method,
		"path", cmd.Path)
	resp, err := r.dispatch(cctx, cmd)
	if err != nil {
		err = &domain.CommandRejectedError{
			Operation: cmd.Operation,
			Message:   transportMessage(err),
			Transport: true,
			Cause:     err,
		}
	} else if !resp.OK {
		msg := resp.Message
		if msg == "" {
			msg = "server refused " + cmd.Operation
		}
		err = &domain.CommandRejectedError{Operation: cmd.Operation, Status: resp.Status, Message: msg}
	}

	duration := r.opts.clock.Now().Sub(start)
	r.opts.metrics.Observe(ctx, cmd.Operation, err == nil, duration)
	span.End(err)
	if err != nil {
		r.opts.logger.Warn("command rejected",
			"operation", cmd.Operation,
			"request_id", cmd.RequestID,
			"status", resp.Status,
			"duration", duration,
			"error", err)
		r.report(ctx, cmd.Operation, err)
		return resp, err
	}
	return resp, nil
}

func (r *runner) dispatch(ctx context.Context, cmd domain.Command) (resp domain.Response, err error) {
	if r.dispatcher == nil {
		return domain.Response{}, errors.New("no dispatcher configured")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatcher panic: %v", rec)
		}
	}()
	return r.dispatcher.Dispatch(ctx, cmd)
}

// report hands an error to the notification sink.
func (r *runner) report(ctx context.Context, operation string, err error) {
	r.notify(ctx, SeverityError, operation, err.Error())
}

func (r *runner) notify(ctx context.Context, sev Severity, operation, msg string) {
	r.opts.notifier.Notify(ctx, Notification{Severity: sev, Operation: operation, Message: msg, At: r.opts.clock.Now()})
}

func transportMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "no response from device server before timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return "could not reach device server"
}
