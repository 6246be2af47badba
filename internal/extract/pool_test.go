package extract

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castograph/castograph/pkg/types"
)

func makeUnits(n int) []types.MeaningfulUnit {
	units := make([]types.MeaningfulUnit, n)
	for i := range units {
		units[i] = testUnit(i)
		units[i].Text = units[i].Text + " " + string(rune('a'+i))
	}
	return units
}

func TestPool_AllUnitsSucceedInIndexOrder(t *testing.T) {
	p := NewPool(NewExtractor(&fakeChatter{handler: happyHandler}), WithConcurrency(3))

	units := makeUnits(8)
	results, unitErrs, err := p.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(unitErrs) != 0 {
		t.Errorf("unit errors = %v", unitErrs)
	}
	if len(results) != 8 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.UnitIndex != i {
			t.Fatalf("result %d has unit index %d; aggregation must be index-ordered", i, r.UnitIndex)
		}
		if r.UnitID != units[i].ID {
			t.Errorf("result %d unit id mismatch", i)
		}
	}
}

func TestPool_UnderThresholdCompletesWithWarnings(t *testing.T) {
	// 3 of 10 units fail: 30% is under the threshold.
	var n atomic.Int64
	handler := func(prompt string, out any) error {
		if strings.Contains(prompt, "sentiment") {
			return happyHandler(prompt, out)
		}
		if n.Add(1) <= 3 {
			return errors.New("boom")
		}
		return happyHandler(prompt, out)
	}
	p := NewPool(NewExtractor(&fakeChatter{handler: handler}), WithConcurrency(1))

	results, unitErrs, err := p.Run(context.Background(), makeUnits(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(unitErrs) != 3 {
		t.Errorf("unit errors = %d, want 3", len(unitErrs))
	}
	if len(results) != 7 {
		t.Errorf("results = %d, want 7", len(results))
	}
}

func TestPool_OverThresholdRaises(t *testing.T) {
	// 6 of 10 fail: 60% exceeds the threshold.
	var n atomic.Int64
	handler := func(prompt string, out any) error {
		if strings.Contains(prompt, "sentiment") {
			return happyHandler(prompt, out)
		}
		if n.Add(1) <= 6 {
			return errors.New("429 RESOURCE_EXHAUSTED")
		}
		return happyHandler(prompt, out)
	}
	p := NewPool(NewExtractor(&fakeChatter{handler: handler}), WithConcurrency(1))

	_, unitErrs, err := p.Run(context.Background(), makeUnits(10))
	var te *ThresholdError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want ThresholdError", err)
	}
	if te.Failed != 6 || te.Total != 10 {
		t.Errorf("threshold error = %+v", te)
	}
	if len(unitErrs) != 6 {
		t.Errorf("unit errors = %d", len(unitErrs))
	}
}

func TestPool_ExactThresholdPasses(t *testing.T) {
	// 5 of 10 fail: exactly 50% does not exceed the threshold.
	var n atomic.Int64
	handler := func(prompt string, out any) error {
		if strings.Contains(prompt, "sentiment") {
			return happyHandler(prompt, out)
		}
		if n.Add(1) <= 5 {
			return errors.New("boom")
		}
		return happyHandler(prompt, out)
	}
	p := NewPool(NewExtractor(&fakeChatter{handler: handler}), WithConcurrency(1))

	if _, _, err := p.Run(context.Background(), makeUnits(10)); err != nil {
		t.Fatalf("50%% failure must pass: %v", err)
	}
}

func TestPool_CancellationDiscardsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(prompt string, out any) error {
		cancel()
		return ctx.Err()
	}
	p := NewPool(NewExtractor(&fakeChatter{handler: handler}), WithConcurrency(2))

	results, _, err := p.Run(ctx, makeUnits(6))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if results != nil {
		t.Error("partial results must be discarded on cancellation")
	}
}

func TestPool_ConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int64
	handler := func(prompt string, out any) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return happyHandler(prompt, out)
	}
	p := NewPool(NewExtractor(&fakeChatter{handler: handler}), WithConcurrency(2))

	if _, _, err := p.Run(context.Background(), makeUnits(8)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak in-flight calls = %d, want <= 2", peak.Load())
	}
}

func TestPool_EmptyInput(t *testing.T) {
	p := NewPool(NewExtractor(&fakeChatter{handler: happyHandler}))
	results, unitErrs, err := p.Run(context.Background(), nil)
	if err != nil || results != nil || unitErrs != nil {
		t.Errorf("got %v, %v, %v", results, unitErrs, err)
	}
}

func TestClassify(t *testing.T) {
	if got := classify(context.DeadlineExceeded); got != "TimeoutError" {
		t.Errorf("deadline = %q", got)
	}
	if got := classify(errors.New("boom")); got != "ExtractionError" {
		t.Errorf("generic = %q", got)
	}
}
