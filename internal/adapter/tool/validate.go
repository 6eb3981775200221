package tool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"equitylens/internal/domain"
)

// ValidatingProvider wraps a ToolProvider so that Invoke checks arguments
// against the tool's parameter schema first. Violations come back as error
// text, which the model can read and correct on its next round.
// Schemas that fail to compile disable validation for that one tool.
type ValidatingProvider struct {
	inner  domain.ToolProvider
	logger *slog.Logger

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// WithValidation wraps a provider with argument schema validation.
func WithValidation(inner domain.ToolProvider, logger *slog.Logger) *ValidatingProvider {
	return &ValidatingProvider{
		inner:    inner,
		logger:   logger,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Name implements domain.ToolProvider.
func (v *ValidatingProvider) Name() string { return v.inner.Name() }

// Connect implements domain.ToolProvider. Schemas compile lazily on first
// Invoke because the advertised set is empty until the inner provider
// connects.
func (v *ValidatingProvider) Connect(ctx context.Context) error {
	return v.inner.Connect(ctx)
}

// Schemas implements domain.ToolProvider.
func (v *ValidatingProvider) Schemas() []domain.ToolSchema { return v.inner.Schemas() }

// Owns implements domain.ToolProvider.
func (v *ValidatingProvider) Owns(name string) bool { return v.inner.Owns(name) }

// Invoke implements domain.ToolProvider.
func (v *ValidatingProvider) Invoke(ctx context.Context, name string, args map[string]any) string {
	if schema := v.schemaFor(name); schema != nil {
		var val any = map[string]any{}
		if args != nil {
			val = anyMap(args)
		}
		if err := schema.Validate(val); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)
		}
	}
	return v.inner.Invoke(ctx, name, args)
}

// Cleanup implements domain.ToolProvider.
func (v *ValidatingProvider) Cleanup() {
	v.mu.Lock()
	v.compiled = make(map[string]*jsonschema.Schema)
	v.mu.Unlock()
	v.inner.Cleanup()
}

// schemaFor returns the compiled schema for a tool, compiling on first use.
// A nil return means validation is skipped for this tool.
func (v *ValidatingProvider) schemaFor(name string) *jsonschema.Schema {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.compiled[name]; ok {
		return s
	}

	for _, ts := range v.inner.Schemas() {
		if ts.Name != name {
			continue
		}
		if len(ts.Parameters) == 0 || string(ts.Parameters) == "null" {
			v.compiled[name] = nil
			return nil
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(ts.Parameters)); err != nil {
			v.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
			v.compiled[name] = nil
			return nil
		}
		compiled, err := compiler.Compile("schema.json")
		if err != nil {
			v.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
			v.compiled[name] = nil
			return nil
		}
		v.compiled[name] = compiled
		return compiled
	}
	return nil
}

// anyMap converts map[string]any into the generic form the validator
// expects (numbers as float64, nested maps as map[string]any). Arguments
// decoded from JSON already satisfy this; the copy guards callers that
// build maps by hand.
func anyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case int:
			out[k] = float64(t)
		case map[string]any:
			out[k] = anyMap(t)
		default:
			out[k] = val
		}
	}
	return out
}

// Compile-time interface check.
var _ domain.ToolProvider = (*ValidatingProvider)(nil)
