// Package schema validates untrusted turn payloads against the structural
// contract. It is the single choke point guaranteeing that no malformed
// server payload can corrupt or invent economy balance: every final payload
// goes through SafeParse before it may be merged into state.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"loom/internal/i18n"
	"loom/internal/protocol"
)

//go:embed turn_output.schema.json
var turnOutputSchema []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func turnOutput() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("turn_output.schema.json", bytes.NewReader(turnOutputSchema)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("turn_output.schema.json")
	})
	return compiled, compileErr
}

// Default fallback balance when the caller has no snapshot to preserve.
var DefaultBalance = protocol.Balance{Signal: 100, MemoryShard: 5}

// FallbackOptions parameterize the fallback TurnOutput built when
// validation fails.
type FallbackOptions struct {
	// Translator localizes the fallback narrative. Nil leaves it empty.
	Translator i18n.Translator

	// RepairCount is echoed into agent_console.repair_count.
	RepairCount int

	// Snapshot is the balance the caller believes is current. When set, the
	// fallback's balance_after preserves it exactly; otherwise
	// DefaultBalance is used.
	Snapshot *protocol.Balance
}

// Result is the outcome of SafeParse. Output is always usable: the
// validated payload on success, an economy-safe fallback otherwise. The
// fallback is application data in its own right, not an error to discard.
type Result struct {
	OK     bool
	Output protocol.TurnOutput
	Err    error
}

// SafeParse validates raw against the turn output contract and decodes it.
// On any structural failure the returned Result carries Fallback output:
// zero cost, balance_after equal to the caller's snapshot (or
// DefaultBalance), and a schema_fail badge.
func SafeParse(raw []byte, opts FallbackOptions) Result {
	s, err := turnOutput()
	if err != nil {
		return Result{Output: Fallback(opts), Err: fmt.Errorf("schema unavailable: %w", err)}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{Output: Fallback(opts), Err: fmt.Errorf("decode payload: %w", err)}
	}
	if err := s.Validate(doc); err != nil {
		return Result{Output: Fallback(opts), Err: fmt.Errorf("validate payload: %w", err)}
	}

	var out protocol.TurnOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{Output: Fallback(opts), Err: fmt.Errorf("decode turn output: %w", err)}
	}
	return Result{OK: true, Output: out}
}

// Fallback builds the minimal valid TurnOutput substituted when the real
// one is missing or invalid. Economy is the invariant: cost is zero and
// balance_after preserves the snapshot bit for bit.
func Fallback(opts FallbackOptions) protocol.TurnOutput {
	balance := DefaultBalance
	if opts.Snapshot != nil {
		balance = opts.Snapshot.Clamp()
	}

	var narrative string
	if opts.Translator != nil {
		narrative = opts.Translator.T("error.schema", nil)
	}

	return protocol.TurnOutput{
		Narrative: narrative,
		Economy: protocol.Economy{
			Cost:         protocol.Balance{},
			BalanceAfter: balance,
		},
		Safety: protocol.Safety{Blocked: false},
		AgentConsole: protocol.AgentConsole{
			Badges:      []string{protocol.BadgeSchemaFail},
			RepairCount: opts.RepairCount,
		},
	}
}
