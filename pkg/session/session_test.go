package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/llm"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type scriptedBackend struct {
	calls     int
	responses []string
	requests  [][]llm.Message
}

func (b *scriptedBackend) Chat(_ context.Context, msgs []llm.Message, _ []llm.ToolDefinition, _ *llm.SamplingOptions) (*llm.Response, error) {
	b.requests = append(b.requests, msgs)
	if b.calls >= len(b.responses) {
		return nil, fmt.Errorf("no scripted response left")
	}
	r := b.responses[b.calls]
	b.calls++
	return &llm.Response{Content: r}, nil
}

func newTestOrchestrator(backend llm.Client, runner MicroRunner) (*Orchestrator, *Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(clock, nil)
	return NewOrchestrator(reg, backend, runner, "", nil, nil), reg, clock
}

func TestHistoryCapDropsOldestPairs(t *testing.T) {
	responses := make([]string, 60)
	for i := range responses {
		responses[i] = fmt.Sprintf("reply %d", i)
	}
	orc, reg, _ := newTestOrchestrator(&scriptedBackend{responses: responses}, nil)

	for i := 0; i < 60; i++ {
		_, err := orc.Turn(context.Background(), "u1", "default", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	history := reg.Get("u1", "default").History()
	assert.Len(t, history, maxMessages)
	assert.Equal(t, 0, len(history)%2)
	// The ten oldest pairs were dropped.
	assert.Equal(t, "msg 10", history[0].Content)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "reply 59", history[len(history)-1].Content)
}

func TestReapEvictsAtExactTTL(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(clock, nil)

	reg.Get("u1", "side-quest")
	reg.Get("u1", "default")

	clock.advance(30*time.Minute - time.Second)
	assert.Equal(t, 0, reg.Reap())
	assert.Equal(t, 2, reg.Len())

	clock.advance(time.Second)
	assert.Equal(t, 1, reg.Reap())
	assert.Equal(t, 1, reg.Len())

	// The default session is never evicted, no matter how idle.
	clock.advance(24 * time.Hour)
	assert.Equal(t, 0, reg.Reap())
	assert.Equal(t, 1, reg.Len())
}

func TestTurnTouchesLastAccess(t *testing.T) {
	orc, reg, clock := newTestOrchestrator(&scriptedBackend{responses: []string{"hi"}}, nil)

	_, err := orc.Turn(context.Background(), "u1", "scratch", "hello")
	require.NoError(t, err)

	clock.advance(29 * time.Minute)
	assert.Equal(t, 0, reg.Reap())
}

func TestBackendErrorLeavesHistoryClean(t *testing.T) {
	orc, reg, _ := newTestOrchestrator(&scriptedBackend{}, nil)

	_, err := orc.Turn(context.Background(), "u1", "default", "hello")
	assert.Error(t, err)
	assert.Empty(t, reg.Get("u1", "default").History())
}

type fakeRunner struct {
	repairRounds int // how many validations should demand repair
	validated    []string
	finalized    []any
}

func (r *fakeRunner) Prepare(_ context.Context, _, message string) (*Prepared, error) {
	return &Prepared{
		Contract:         "contract",
		GatedContext:     "gated",
		AugmentedMessage: "[context]\n" + message,
	}, nil
}

func (r *fakeRunner) Validate(_ context.Context, text string, contract, gated any) (*Validation, error) {
	r.validated = append(r.validated, text)
	if len(r.validated) <= r.repairRounds {
		return &Validation{Receipt: "draft", NeedsRepair: true, RepairPrompt: "fix it"}, nil
	}
	return &Validation{Receipt: "final"}, nil
}

func (r *fakeRunner) Finalize(_ context.Context, receipt any) error {
	r.finalized = append(r.finalized, receipt)
	return nil
}

func TestRunnerAugmentsPromptButHistoryKeepsRaw(t *testing.T) {
	backend := &scriptedBackend{responses: []string{"answer"}}
	runner := &fakeRunner{}
	orc, reg, _ := newTestOrchestrator(backend, runner)

	res, err := orc.Turn(context.Background(), "u1", "default", "what docks?")
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Text)
	assert.Equal(t, "final", res.Receipt)
	assert.Equal(t, []any{"final"}, runner.finalized)

	// The backend saw the augmented prompt.
	sent := backend.requests[0]
	assert.Equal(t, "[context]\nwhat docks?", sent[len(sent)-1].Content)

	// The transcript records what the user actually said.
	history := reg.Get("u1", "default").History()
	assert.Equal(t, "what docks?", history[0].Content)
}

func TestRepairRunsOnceAndSucceeds(t *testing.T) {
	backend := &scriptedBackend{responses: []string{"bad answer", "good answer"}}
	runner := &fakeRunner{repairRounds: 1}
	orc, _, _ := newTestOrchestrator(backend, runner)

	res, err := orc.Turn(context.Background(), "u1", "default", "q")
	require.NoError(t, err)
	assert.Equal(t, "good answer", res.Text)
	assert.Equal(t, 2, backend.calls)

	// The repair round carried the failed draft and the repair prompt.
	repair := backend.requests[1]
	assert.Equal(t, "bad answer", repair[len(repair)-2].Content)
	assert.Equal(t, "fix it", repair[len(repair)-1].Content)
}

func TestRepairFailureGetsDisclaimer(t *testing.T) {
	backend := &scriptedBackend{responses: []string{"bad answer", "still bad"}}
	runner := &fakeRunner{repairRounds: 2}
	orc, reg, _ := newTestOrchestrator(backend, runner)

	res, err := orc.Turn(context.Background(), "u1", "default", "q")
	require.NoError(t, err)
	assert.Equal(t, validationDisclaimer+"still bad", res.Text)
	// Only one repair round ever happens.
	assert.Equal(t, 2, backend.calls)

	history := reg.Get("u1", "default").History()
	assert.Equal(t, validationDisclaimer+"still bad", history[1].Content)
}

func TestConcurrentTurnsOnSameSessionSerialise(t *testing.T) {
	responses := make([]string, 20)
	for i := range responses {
		responses[i] = "r"
	}
	orc, reg, _ := newTestOrchestrator(&scriptedBackend{responses: responses}, nil)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			_, _ = orc.Turn(context.Background(), "u1", "default", fmt.Sprintf("m%d", n))
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	history := reg.Get("u1", "default").History()
	assert.Len(t, history, 20)
	// Strict alternation: turns never interleave.
	for i, m := range history {
		if i%2 == 0 {
			assert.Equal(t, llm.RoleUser, m.Role)
		} else {
			assert.Equal(t, llm.RoleAssistant, m.Role)
		}
	}
}
