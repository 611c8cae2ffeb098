package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ElementKind distinguishes container nodes from sample leaves in the
// sample changer contents tree.
type ElementKind string

const (
	ElementContainer ElementKind = "container"
	ElementSample    ElementKind = "sample"
)

// Element is one node of the sample changer contents tree. Containers carry
// children; samples are leaves whose location is their address.
type Element struct {
	Kind     ElementKind `json:"kind"`
	Address  string      `json:"address"`
	ID       string      `json:"id,omitempty"`
	Status   string      `json:"status,omitempty"`
	Selected bool        `json:"selected,omitempty"`
	Children []Element   `json:"children,omitempty"`
}

// Location returns the mount location of a sample leaf.
func (e Element) Location() string { return e.Address }

// Clone deep-copies the subtree.
func (e Element) Clone() Element {
	out := e
	if e.Children != nil {
		out.Children = make([]Element, len(e.Children))
		for i, c := range e.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Contents is the full sample changer contents tree. The zero value is an
// empty tree that has never been fetched.
type Contents struct {
	Root Element `json:"root"`
}

// Clone deep-copies the tree.
func (c Contents) Clone() Contents { return Contents{Root: c.Root.Clone()} }

// Equal reports structural equality.
func (c Contents) Equal(other Contents) bool { return reflect.DeepEqual(c, other) }

// Find returns the element stored at address.
func (c Contents) Find(address string) (Element, bool) {
	return findElement(c.Root, address)
}

func findElement(e Element, address string) (Element, bool) {
	if e.Address == address {
		return e, true
	}
	for _, child := range e.Children {
		if found, ok := findElement(child, address); ok {
			return found, true
		}
	}
	return Element{}, false
}

// Samples flattens the tree into its sample leaves in depth-first order.
func (c Contents) Samples() []Element {
	var out []Element
	var walk func(Element)
	walk = func(e Element) {
		if e.Kind == ElementSample {
			out = append(out, e)
			return
		}
		for _, child := range e.Children {
			walk(child)
		}
	}
	walk(c.Root)
	return out
}

type wireElement struct {
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	ID       json.RawMessage `json:"id"`
	Selected bool            `json:"selected"`
	Children *[]wireElement  `json:"children"`
}

// DecodeContents parses the device server's contents representation
// ({name, status, id, selected, children}). The root is always a container;
// below it, nodes with a children member are containers and the rest samples.
func DecodeContents(raw []byte) (Contents, error) {
	var root wireElement
	if err := json.Unmarshal(raw, &root); err != nil {
		return Contents{}, fmt.Errorf("%w: contents: %v", ErrMalformedPayload, err)
	}
	if root.Name == "" {
		return Contents{}, fmt.Errorf("%w: contents without root name", ErrMalformedPayload)
	}
	el := root.toElement()
	el.Kind = ElementContainer
	return Contents{Root: el}, nil
}

func (w wireElement) toElement() Element {
	el := Element{
		Kind:     ElementSample,
		Address:  w.Name,
		ID:       rawID(w.ID),
		Status:   w.Status,
		Selected: w.Selected,
	}
	if w.Children != nil {
		el.Kind = ElementContainer
		el.Children = make([]Element, 0, len(*w.Children))
		for _, child := range *w.Children {
			el.Children = append(el.Children, child.toElement())
		}
	}
	return el
}

// ids are strings for samples and sometimes numeric tokens for the root.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// LoadedSample identifies the sample currently mounted. The zero value means
// nothing is loaded.
type LoadedSample struct {
	Address  string `json:"address"`
	SampleID string `json:"sampleID"`
}

// Empty reports whether nothing is loaded.
func (l LoadedSample) Empty() bool { return l.Address == "" }

// DecodeLoadedSample parses {address, barcode} (or {address, sampleID}).
func DecodeLoadedSample(raw []byte) (LoadedSample, error) {
	var w struct {
		Address  *string `json:"address"`
		Barcode  string  `json:"barcode"`
		SampleID string  `json:"sampleID"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return LoadedSample{}, fmt.Errorf("%w: loaded sample: %v", ErrMalformedPayload, err)
	}
	if w.Address == nil {
		return LoadedSample{}, fmt.Errorf("%w: loaded sample without address", ErrMalformedPayload)
	}
	id := w.SampleID
	if id == "" {
		id = w.Barcode
	}
	return LoadedSample{Address: *w.Address, SampleID: id}, nil
}

// SampleData describes a sample to mount.
type SampleData struct {
	SampleID string `json:"sampleID"`
	Location string `json:"location"`
	Name     string `json:"sampleName,omitempty"`
	Code     string `json:"code,omitempty"`
}

// GlobalState is the robot's maintenance-level state.
type GlobalState struct {
	State         string `json:"state"`
	CommandsState string `json:"commands_state,omitempty"`
	Message       string `json:"message,omitempty"`
}

// RobotState bundles the coarse robot status with its global state.
type RobotState struct {
	State  string      `json:"state"`
	Global GlobalState `json:"global_state"`
}

// InitialState is the one-shot bootstrap snapshot of the sample changer.
type InitialState struct {
	State        string       `json:"state"`
	LoadedSample LoadedSample `json:"loaded_sample"`
	Contents     Contents     `json:"contents"`
	Global       GlobalState  `json:"global_state"`
	Message      string       `json:"msg"`
}

// DecodeInitialState parses the get_initial_state payload.
func DecodeInitialState(raw []byte) (InitialState, error) {
	var w struct {
		State        string          `json:"state"`
		LoadedSample json.RawMessage `json:"loaded_sample"`
		Contents     json.RawMessage `json:"contents"`
		Global       struct {
			State         json.RawMessage `json:"global_state"`
			CommandsState json.RawMessage `json:"commands_state"`
		} `json:"global_state"`
		Message string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return InitialState{}, fmt.Errorf("%w: initial state: %v", ErrMalformedPayload, err)
	}
	out := InitialState{State: w.State, Message: w.Message}
	if len(w.LoadedSample) > 0 {
		loaded, err := DecodeLoadedSample(w.LoadedSample)
		if err != nil {
			return InitialState{}, err
		}
		out.LoadedSample = loaded
	}
	if len(w.Contents) > 0 {
		contents, err := DecodeContents(w.Contents)
		if err != nil {
			return InitialState{}, err
		}
		out.Contents = contents
	}
	out.Global = GlobalState{
		State:         rawID(w.Global.State),
		CommandsState: rawID(w.Global.CommandsState),
		Message:       w.Message,
	}
	return out, nil
}
