package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guffawaffle/majel/pkg/llm"
)

// validationDisclaimer is prepended when a response still fails its contract
// after the single repair round.
const validationDisclaimer = "Note: this response did not pass validation and may contain unverified details.\n\n"

// Prepared is a MicroRunner's augmentation of an inbound message: a task
// contract to validate against, gated retrieval context, and the actual
// prompt to send.
type Prepared struct {
	Contract         any
	GatedContext     any
	AugmentedMessage string
}

// Validation is the MicroRunner's verdict on a backend response.
type Validation struct {
	Receipt      any
	NeedsRepair  bool
	RepairPrompt string
}

// MicroRunner validates backend responses against a task contract. It gets
// exactly one repair round per turn.
type MicroRunner interface {
	Prepare(ctx context.Context, userID, message string) (*Prepared, error)
	Validate(ctx context.Context, responseText string, contract, gatedContext any) (*Validation, error)
	Finalize(ctx context.Context, receipt any) error
}

// TurnResult is what one completed exchange returns to the caller.
type TurnResult struct {
	SessionID string         `json:"sessionId"`
	Text      string         `json:"text"`
	ToolCalls []llm.ToolCall `json:"toolCalls,omitempty"`
	Receipt   any            `json:"receipt,omitempty"`
}

// Orchestrator drives the per-turn protocol over a chat backend.
type Orchestrator struct {
	registry *Registry
	backend  llm.Client
	runner   MicroRunner
	system   string
	tools    []llm.ToolDefinition
	logger   *slog.Logger
}

func NewOrchestrator(registry *Registry, backend llm.Client, runner MicroRunner,
	systemPrompt string, tools []llm.ToolDefinition, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		backend:  backend,
		runner:   runner,
		system:   systemPrompt,
		tools:    tools,
		logger:   logger,
	}
}

// Turn processes one user message. Turns on the same session are serialised;
// the second caller blocks until the first completes.
func (o *Orchestrator) Turn(ctx context.Context, userID, sessionID, message string) (*TurnResult, error) {
	if message == "" {
		return nil, fmt.Errorf("session: empty message")
	}

	s := o.registry.Get(userID, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = o.registry.clock.Now()

	// The raw user message goes on the record even when the prompt that
	// actually travels is augmented.
	s.appendMessage(llm.Message{Role: llm.RoleUser, Content: message})

	outbound := message
	var contract, gated any
	if o.runner != nil {
		prep, err := o.runner.Prepare(ctx, userID, message)
		if err != nil {
			s.history = s.history[:len(s.history)-1]
			return nil, fmt.Errorf("session: prepare: %w", err)
		}
		outbound = prep.AugmentedMessage
		contract = prep.Contract
		gated = prep.GatedContext
	}

	msgs := o.transcript(s, outbound)
	resp, err := o.backend.Chat(ctx, msgs, o.tools, nil)
	if err != nil {
		s.history = s.history[:len(s.history)-1]
		return nil, fmt.Errorf("session: chat backend: %w", err)
	}

	text := resp.Content
	var receipt any
	if o.runner != nil {
		text, receipt = o.validateWithRepair(ctx, msgs, text, contract, gated)
		if receipt != nil {
			if err := o.runner.Finalize(ctx, receipt); err != nil {
				o.logger.Warn("turn receipt finalisation failed",
					"userId", userID, "sessionId", s.ID, "error", err)
			}
		}
	}

	s.appendMessage(llm.Message{Role: llm.RoleAssistant, Content: text})
	s.lastAccess = o.registry.clock.Now()

	return &TurnResult{
		SessionID: s.ID,
		Text:      text,
		ToolCalls: resp.ToolCalls,
		Receipt:   receipt,
	}, nil
}

// transcript assembles the outbound message list: optional system prompt,
// prior history, and the (possibly augmented) current message in place of
// the raw one. Caller holds s.mu.
func (o *Orchestrator) transcript(s *Session, outbound string) []llm.Message {
	msgs := make([]llm.Message, 0, len(s.history)+1)
	if o.system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: o.system})
	}
	msgs = append(msgs, s.history[:len(s.history)-1]...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: outbound})
	return msgs
}

// validateWithRepair runs the contract check with at most one repair round.
// A response that still fails comes back with the disclaimer prefixed.
func (o *Orchestrator) validateWithRepair(ctx context.Context, msgs []llm.Message,
	text string, contract, gated any) (string, any) {

	verdict, err := o.runner.Validate(ctx, text, contract, gated)
	if err != nil {
		o.logger.Warn("response validation failed, returning unvalidated text", "error", err)
		return text, nil
	}
	if !verdict.NeedsRepair {
		return text, verdict.Receipt
	}

	repairMsgs := append(append([]llm.Message{}, msgs...),
		llm.Message{Role: llm.RoleAssistant, Content: text},
		llm.Message{Role: llm.RoleUser, Content: verdict.RepairPrompt})
	resp, err := o.backend.Chat(ctx, repairMsgs, o.tools, nil)
	if err != nil {
		o.logger.Warn("repair round failed", "error", err)
		return validationDisclaimer + text, verdict.Receipt
	}

	repaired, err := o.runner.Validate(ctx, resp.Content, contract, gated)
	if err != nil || repaired.NeedsRepair {
		return validationDisclaimer + resp.Content, verdict.Receipt
	}
	return resp.Content, repaired.Receipt
}

// PassthroughRunner sends messages unmodified and accepts every response.
// Deployments without a contract validator use it.
type PassthroughRunner struct{}

func (PassthroughRunner) Prepare(_ context.Context, _, message string) (*Prepared, error) {
	return &Prepared{AugmentedMessage: message}, nil
}

func (PassthroughRunner) Validate(_ context.Context, _ string, _, _ any) (*Validation, error) {
	return &Validation{}, nil
}

func (PassthroughRunner) Finalize(context.Context, any) error { return nil }
