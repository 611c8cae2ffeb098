// Package domain defines the beamline value types shared by the control core:
// movable attributes, sample changer contents, task queue entries, the
// command/response contract consumed from the device-control server, and the
// error taxonomy reported to operators.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AttributeState identifies the actuation state of a movable attribute.
type AttributeState string

// Canonical attribute states. STALE is local only: it marks an attribute whose
// pending command or abort never received a confirmation.
const (
	AttributeIdle  AttributeState = "IDLE"
	AttributeBusy  AttributeState = "BUSY"
	AttributeAbort AttributeState = "ABORT"
	AttributeStale AttributeState = "STALE"
)

// ParseAttributeState normalizes the state names reported by the device server.
// The server historically reports READY/MOVING/UNUSABLE; the canonical names are
// accepted as well. Unrecognized states map to STALE so they are never mistaken
// for a confirmed IDLE.
func ParseAttributeState(raw string) AttributeState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "READY", "IDLE", "ON":
		return AttributeIdle
	case "MOVING", "BUSY":
		return AttributeBusy
	case "UNUSABLE", "ABORT", "ABORTED", "FAULT", "ERROR", "OFF":
		return AttributeAbort
	default:
		return AttributeStale
	}
}

// Phase models the two-phase value lifecycle of an attribute.
type Phase string

const (
	// PhaseConfirmed means the value and state came from the device server.
	PhaseConfirmed Phase = "confirmed"
	// PhaseRequested means a command was issued and its confirmation is pending.
	PhaseRequested Phase = "requested"
	// PhaseStale means a confirmation was expected but did not arrive in time.
	PhaseStale Phase = "stale"
)

// MovableAttribute is a controllable physical parameter of the beamline.
type MovableAttribute struct {
	Name      string         `json:"name"`
	Value     any            `json:"value"`
	State     AttributeState `json:"state"`
	Readonly  bool           `json:"readonly"`
	Commands  []string       `json:"commands,omitempty"`
	Message   string         `json:"msg,omitempty"`
	Type      string         `json:"type,omitempty"`
	Available bool           `json:"available"`

	Phase     Phase `json:"phase"`
	Requested any   `json:"requested,omitempty"`
}

// Clone returns a copy that shares no slices with the receiver.
func (a MovableAttribute) Clone() MovableAttribute {
	out := a
	if a.Commands != nil {
		out.Commands = append([]string(nil), a.Commands...)
	}
	return out
}

type wireAttribute struct {
	Name      string          `json:"name"`
	Value     any             `json:"value"`
	State     string          `json:"state"`
	Readonly  bool            `json:"readonly"`
	Commands  json.RawMessage `json:"commands"`
	Message   string          `json:"msg"`
	Type      string          `json:"type"`
	Available *bool           `json:"available"`
}

// DecodeAttribute parses the device server's attribute representation.
func DecodeAttribute(raw []byte) (MovableAttribute, error) {
	var w wireAttribute
	if err := json.Unmarshal(raw, &w); err != nil {
		return MovableAttribute{}, fmt.Errorf("%w: attribute: %v", ErrMalformedPayload, err)
	}
	return w.toAttribute("")
}

func (w wireAttribute) toAttribute(fallbackName string) (MovableAttribute, error) {
	name := w.Name
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		return MovableAttribute{}, fmt.Errorf("%w: attribute without name", ErrMalformedPayload)
	}
	attr := MovableAttribute{
		Name:      name,
		Value:     w.Value,
		State:     ParseAttributeState(w.State),
		Readonly:  w.Readonly,
		Message:   w.Message,
		Type:      w.Type,
		Available: true,
		Phase:     PhaseConfirmed,
	}
	if w.Available != nil {
		attr.Available = *w.Available
	}
	attr.Commands = decodeCommandNames(w.Commands)
	return attr, nil
}

// commands arrive either as a list of names or as a list of objects with a name.
func decodeCommandNames(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names
	}
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		for _, o := range objs {
			if o.Name != "" {
				names = append(names, o.Name)
			}
		}
	}
	return names
}

// DecodeAttributeSet parses a full attribute snapshot. The snapshot carries an
// "attributes" member holding either a list of attributes or an object keyed by
// attribute name.
func DecodeAttributeSet(raw []byte) ([]MovableAttribute, error) {
	var envelope struct {
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: attribute set: %v", ErrMalformedPayload, err)
	}
	if len(envelope.Attributes) == 0 {
		return nil, fmt.Errorf("%w: attribute set without attributes", ErrMalformedPayload)
	}
	var list []wireAttribute
	if err := json.Unmarshal(envelope.Attributes, &list); err == nil {
		out := make([]MovableAttribute, 0, len(list))
		for _, w := range list {
			attr, err := w.toAttribute("")
			if err != nil {
				return nil, err
			}
			out = append(out, attr)
		}
		return out, nil
	}
	var keyed map[string]wireAttribute
	if err := json.Unmarshal(envelope.Attributes, &keyed); err != nil {
		return nil, fmt.Errorf("%w: attribute set: %v", ErrMalformedPayload, err)
	}
	out := make([]MovableAttribute, 0, len(keyed))
	for name, w := range keyed {
		attr, err := w.toAttribute(name)
		if err != nil {
			return nil, err
		}
		out = append(out, attr)
	}
	return out, nil
}
