package evalctx

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/solatis/serverrules/internal/types"
)

func TestNew(t *testing.T) {
	ctx, err := New(types.Payload(`{"study": {"modality": "CT", "age": 45}}`))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	v, ok := ctx.Lookup("study.age")
	if !ok || v != float64(45) {
		t.Errorf("Lookup(study.age) = %v, %v", v, ok)
	}
	if _, ok := ctx.Lookup("study.missing"); ok {
		t.Error("Lookup(study.missing) found a value")
	}
	if _, ok := ctx.Lookup("study..age"); ok {
		t.Error("Lookup() accepted an invalid path")
	}
}

func TestNew_EmptyPayload(t *testing.T) {
	ctx, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if ctx.Subject() != nil {
		t.Errorf("Subject() = %v, want nil", ctx.Subject())
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(types.Payload(`{"broken"`)); err == nil {
		t.Error("New() accepted malformed JSON")
	}

	big := bytes.Repeat([]byte(" "), types.MaxPayloadSize+1)
	if _, err := New(types.Payload(big)); err != types.ErrPayloadTooLarge {
		t.Errorf("New() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestRecord_Order(t *testing.T) {
	ctx := FromValue(nil)
	ctx.BeginRule("first")
	ctx.Record("route", map[string]string{"device": "PACS1"})
	ctx.Record("log", nil)
	ctx.BeginRule("second")
	ctx.Record("delete", nil)

	got := ctx.Decisions()
	if len(got) != 3 {
		t.Fatalf("Decisions() len = %d, want 3", len(got))
	}
	wantKinds := []string{"route", "log", "delete"}
	wantRules := []string{"first", "first", "second"}
	for i, d := range got {
		if d.Kind != wantKinds[i] || d.Rule != wantRules[i] {
			t.Errorf("Decisions()[%d] = %+v", i, d)
		}
	}
	if got[0].Params["device"] != "PACS1" {
		t.Errorf("Decisions()[0].Params = %v", got[0].Params)
	}

	// Returned slice is a copy.
	got[0].Kind = "mutated"
	if ctx.Decisions()[0].Kind != "route" {
		t.Error("Decisions() exposed internal state")
	}
}

func TestRecord_Concurrent(t *testing.T) {
	ctx := FromValue(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx.Record("log", nil)
		}()
	}
	wg.Wait()
	if n := len(ctx.Decisions()); n != 50 {
		t.Errorf("Decisions() len = %d, want 50", n)
	}
}

func TestNow(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := FromValue(nil).WithNow(fixed)
	if !ctx.Now().Equal(fixed) {
		t.Errorf("Now() = %v, want %v", ctx.Now(), fixed)
	}
	if FromValue(nil).Now().IsZero() {
		t.Error("Now() is zero for a new context")
	}
}
