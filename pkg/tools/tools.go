// Package tools is the runtime behind every model-callable operation: a
// registry of schema-checked tools, the mutation classifier, and the
// trust-gated invoke path that turns mutating calls into proposals.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Guffawaffle/majel/pkg/llm"
	"github.com/Guffawaffle/majel/pkg/receipts"
	"github.com/Guffawaffle/majel/pkg/trust"
)

// DefaultProposalTTL bounds how long an unconfirmed proposal stays live.
const DefaultProposalTTL = 15 * time.Minute

// Call carries one invocation into a handler. Tx is non-nil on the mutating
// apply path; dry runs and read-only tools must not write.
type Call struct {
	UserID string
	Args   map[string]any
	DryRun bool
	Tx     *sql.Tx
}

// Outcome is what a handler produces. Dry runs fill Preview (and BatchItems
// for multi-step tools); full runs fill Data plus the forward and inverse
// change sets that end up on the receipt.
type Outcome struct {
	Data       any
	Preview    json.RawMessage
	BatchItems json.RawMessage
	Layer      receipts.Layer
	Changes    receipts.ChangeSet
	Inverse    receipts.ChangeSet
}

type Handler func(ctx context.Context, call *Call) (*Outcome, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	Schema      string // JSON Schema for the arguments
	TTL         time.Duration
	Handler     Handler

	compiled *jsonschema.Schema
	mutating bool
}

// Mutating reports whether invoking this tool goes through the proposal gate.
func (t *Tool) Mutating() bool { return t.mutating }

func (t *Tool) ttl() time.Duration {
	if t.TTL > 0 {
		return t.TTL
	}
	return DefaultProposalTTL
}

func (t *Tool) validate(args map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// The validator wants plain decoded JSON; round-trip to normalise
	// whatever the caller handed us (ints vs float64 and so on).
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return &ValidationError{Tool: t.Name, Err: err}
	}
	return nil
}

// knownMutations lists mutating tools whose names escape the prefix rule.
var knownMutations = map[string]bool{
	"import_apply": true,
	"undo_receipt": true,
}

var mutationPrefixes = []string{
	"create_", "update_", "delete_", "set_", "sync_", "assign_", "remove_", "complete_",
}

var readOnlyPrefixes = []string{"get_", "list_", "search_", "read_"}

// IsMutating classifies a tool name. Read-only prefixes bypass the proposal
// path entirely; everything in the known list or matching a mutation prefix
// is gated.
func IsMutating(name string) bool {
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	if knownMutations[name] {
		return true
	}
	for _, p := range mutationPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Registry holds the registered tools.
type Registry struct {
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register compiles the tool's schema and classifies it. Registering twice
// under one name is a programming error.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tools: name and handler required")
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tools: %q already registered", t.Name)
	}
	if t.Schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://majel.schemas.local/tools/%s.schema.json", t.Name)
		if err := c.AddResource(url, strings.NewReader(t.Schema)); err != nil {
			return fmt.Errorf("tools: schema for %q: %w", t.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("tools: schema for %q: %w", t.Name, err)
		}
		t.compiled = compiled
	}
	t.mutating = IsMutating(t.Name)
	r.tools[t.Name] = t
	return nil
}

// MustRegister panics on registration errors; built-in tools use it at
// startup where a bad schema is unrecoverable.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions renders the registry for the chat backend's tools array.
func (r *Registry) Definitions() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		var params map[string]any
		if t.Schema != "" {
			_ = json.Unmarshal([]byte(t.Schema), &params)
		}
		out = append(out, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out
}

// ErrUnknownTool rejects invocations of unregistered names.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ValidationError reports arguments that fail the tool's schema.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tools: arguments for %q rejected: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BlockedError reports a tool the trust policy forbids for this user.
type BlockedError struct {
	Tool string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tool %q is blocked by trust policy", e.Tool)
}

// Hint tells the user how to unblock the tool.
func (e *BlockedError) Hint() string {
	return fmt.Sprintf(`set {"%s": "approve"} in the %s setting to allow it`, e.Tool, trust.SettingKey)
}
