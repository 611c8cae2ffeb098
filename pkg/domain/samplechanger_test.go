package domain

import (
	"errors"
	"testing"
)

const contentsFixture = `{
	"name": "SC",
	"id": 7,
	"children": [
		{"name": "1", "status": "Present", "children": [
			{"name": "1:01", "id": "ABC1", "status": "Loaded"},
			{"name": "1:02", "id": "ABC2", "status": "Present"}
		]},
		{"name": "2", "status": "Present", "children": []}
	]
}`

func TestDecodeContents(t *testing.T) {
	contents, err := DecodeContents([]byte(contentsFixture))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if contents.Root.Kind != ElementContainer || contents.Root.ID != "7" {
		t.Fatalf("unexpected root: %+v", contents.Root)
	}
	samples := contents.Samples()
	if len(samples) != 2 || samples[0].Address != "1:01" || samples[1].ID != "ABC2" {
		t.Fatalf("unexpected samples: %+v", samples)
	}
	empty, ok := contents.Find("2")
	if !ok || empty.Kind != ElementContainer {
		t.Fatalf("expected empty basket to decode as container, got %+v", empty)
	}
	if s, ok := contents.Find("1:01"); !ok || s.Location() != "1:01" {
		t.Fatalf("expected to find sample 1:01")
	}
	if _, ok := contents.Find("9:99"); ok {
		t.Fatalf("unexpected element found")
	}
}

func TestDecodeContentsOffline(t *testing.T) {
	contents, err := DecodeContents([]byte(`{"name":"OFFLINE"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if contents.Root.Address != "OFFLINE" || len(contents.Samples()) != 0 {
		t.Fatalf("unexpected offline contents: %+v", contents)
	}
}

func TestDecodeContentsMalformed(t *testing.T) {
	for _, raw := range []string{`[]`, `{}`, `{"name":`} {
		if _, err := DecodeContents([]byte(raw)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("DecodeContents(%s) error = %v", raw, err)
		}
	}
}

func TestContentsCloneIsDeep(t *testing.T) {
	contents, err := DecodeContents([]byte(contentsFixture))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cp := contents.Clone()
	cp.Root.Children[0].Children[0].Status = "Used"
	if contents.Root.Children[0].Children[0].Status != "Loaded" {
		t.Fatalf("clone shares children")
	}
	if contents.Equal(cp) {
		t.Fatalf("expected modified clone to differ")
	}
}

func TestDecodeLoadedSample(t *testing.T) {
	loaded, err := DecodeLoadedSample([]byte(`{"address":"1:01","barcode":"ABC1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if loaded.Address != "1:01" || loaded.SampleID != "ABC1" || loaded.Empty() {
		t.Fatalf("unexpected loaded sample: %+v", loaded)
	}
	none, err := DecodeLoadedSample([]byte(`{"address":"","barcode":""}`))
	if err != nil || !none.Empty() {
		t.Fatalf("expected empty loaded sample, got %+v %v", none, err)
	}
	if _, err := DecodeLoadedSample([]byte(`{"barcode":"x"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload without address, got %v", err)
	}
}

func TestDecodeInitialState(t *testing.T) {
	raw := `{"state":"READY","loaded_sample":{"address":"1:01","barcode":"ABC1"},
		"contents":` + contentsFixture + `,
		"global_state":{"global_state":"ON","commands_state":"ENABLED"},"msg":"ok"}`
	st, err := DecodeInitialState([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "READY" || st.LoadedSample.SampleID != "ABC1" || st.Global.State != "ON" || st.Global.CommandsState != "ENABLED" {
		t.Fatalf("unexpected initial state: %+v", st)
	}
	if len(st.Contents.Samples()) != 2 {
		t.Fatalf("expected contents decoded")
	}
}
