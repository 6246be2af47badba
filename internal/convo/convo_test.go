package convo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/pkg/types"
)

type fakeChatter struct {
	replies []func(out any) error
	calls   int
}

func (f *fakeChatter) ChatJSON(_ context.Context, _ string, out any, _ ...quota.CallOption) error {
	i := f.calls
	f.calls++
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i](out)
}

func reply(cs types.ConversationStructure) func(out any) error {
	return func(out any) error {
		*out.(*types.ConversationStructure) = cs
		return nil
	}
}

func newAnalyzer(f *fakeChatter) *Analyzer {
	a := New(f)
	a.sleep = func(context.Context, time.Duration) error { return nil }
	return a
}

func tenSegments() []types.Segment {
	segs := make([]types.Segment, 10)
	for i := range segs {
		segs[i] = types.Segment{
			ID: i, Speaker: "Alice", Text: "segment text",
			StartTime: float64(i * 10), EndTime: float64(i*10 + 9),
		}
	}
	return segs
}

func TestAnalyze_AcceptsCoveringStructure(t *testing.T) {
	f := &fakeChatter{replies: []func(any) error{reply(types.ConversationStructure{
		Units: []types.UnitRange{
			{StartIndex: 0, EndIndex: 4, UnitType: "introduction"},
			{StartIndex: 5, EndIndex: 9, UnitType: "discussion"},
		},
		Themes: []types.Theme{{Name: "openings"}},
	})}}

	cs, err := newAnalyzer(f).Analyze(context.Background(), tenSegments())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(cs.Units) != 2 || cs.Coverage(10) != 1 {
		t.Errorf("structure = %+v", cs)
	}
}

func TestAnalyze_RejectsLowCoverageThenRetries(t *testing.T) {
	f := &fakeChatter{replies: []func(any) error{
		reply(types.ConversationStructure{Units: []types.UnitRange{{StartIndex: 0, EndIndex: 3}}}), // 40%
		reply(types.ConversationStructure{Units: []types.UnitRange{{StartIndex: 0, EndIndex: 9}}}),
	}}

	cs, err := newAnalyzer(f).Analyze(context.Background(), tenSegments())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.calls != 2 {
		t.Errorf("calls = %d, want 2", f.calls)
	}
	if got := cs.Coverage(10); got < MinCoverage {
		t.Errorf("coverage = %v", got)
	}
}

func TestAnalyze_NoUnitsFailsAfterAttempts(t *testing.T) {
	f := &fakeChatter{replies: []func(any) error{reply(types.ConversationStructure{})}}

	_, err := newAnalyzer(f).Analyze(context.Background(), tenSegments())
	if !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("err = %v, want ErrAnalysisFailed", err)
	}
	if f.calls != 2 {
		t.Errorf("calls = %d, want 2", f.calls)
	}
}

func TestAnalyze_ClampsOutOfRangeIndices(t *testing.T) {
	f := &fakeChatter{replies: []func(any) error{reply(types.ConversationStructure{
		Units: []types.UnitRange{{StartIndex: -2, EndIndex: 14, UnitType: "discussion"}},
	})}}

	cs, err := newAnalyzer(f).Analyze(context.Background(), tenSegments())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if cs.Units[0].StartIndex != 0 || cs.Units[0].EndIndex != 9 {
		t.Errorf("unit = %+v", cs.Units[0])
	}
}

func TestBuildPrompt_TruncatesLongSegments(t *testing.T) {
	long := strings.Repeat("x", 500)
	p := buildPrompt([]types.Segment{{Speaker: "Alice", Text: long}})
	if strings.Contains(p, long) {
		t.Error("long segment text not truncated")
	}
	if !strings.Contains(p, "[0] Alice:") {
		t.Error("prompt missing indexed segment line")
	}
}
