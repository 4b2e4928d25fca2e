// Package opa provides integration with Open Policy Agent for policy
// evaluation. The engine holds one prepared query over the datawarden
// bundle and supports swapping the bundle at runtime without restart.
package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog/log"
)

//go:embed policies/*.rego
var embeddedBundle embed.FS

// decisionQuery is the aggregation entry point of the bundle.
const decisionQuery = "data.datawarden.main"

// maxInputSize is the maximum serialized input size accepted by the engine.
const maxInputSize = 1 << 20 // 1 MB

// Engine is the policy evaluation engine powered by OPA.
type Engine struct {
	mu          sync.RWMutex
	query       *rego.PreparedEvalQuery
	store       storage.Store
	initialized bool // true once at least one bundle is loaded
}

// Verdict is one decoded decision object from the bundle.
type Verdict struct {
	Decision    string         `json:"decision"`
	Reason      string         `json:"reason"`
	RuleIDs     []string       `json:"rule_ids"`
	Constraints map[string]any `json:"constraints"`
}

// Evaluation is the full output of one policy evaluation: the aggregate
// verdict plus the post-approval re-evaluation (the same bundle minus the
// approval layer).
type Evaluation struct {
	Result       Verdict
	PostApproval Verdict
	EvalTimeUs   int64
}

// NewEngine creates a policy engine with no bundle loaded.
func NewEngine() (*Engine, error) {
	return &Engine{store: inmem.New()}, nil
}

// Ready returns true if the engine has a bundle loaded.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// LoadEmbedded compiles the bundle shipped inside the binary.
func (e *Engine) LoadEmbedded(ctx context.Context) error {
	modules := map[string]string{}
	err := fs.WalkDir(embeddedBundle, "policies", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		src, err := embeddedBundle.ReadFile(path)
		if err != nil {
			return err
		}
		modules[path] = string(src)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading embedded bundle: %w", err)
	}

	opts := []func(*rego.Rego){
		rego.Query(decisionQuery),
		rego.Store(e.store),
	}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}
	return e.prepare(ctx, opts)
}

// LoadDir compiles a bundle directory of .rego files and swaps it in.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	opts := []func(*rego.Rego){
		rego.Query(decisionQuery),
		rego.Store(e.store),
		rego.Load([]string{dir}, nil),
	}
	return e.prepare(ctx, opts)
}

func (e *Engine) prepare(ctx context.Context, opts []func(*rego.Rego)) error {
	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("preparing policy bundle: %w", err)
	}

	e.mu.Lock()
	e.query = &pq
	e.initialized = true
	e.mu.Unlock()
	return nil
}

// Evaluate runs the prepared decision query over the input document.
func (e *Engine) Evaluate(ctx context.Context, input any) (*Evaluation, error) {
	e.mu.RLock()
	pq := e.query
	e.mu.RUnlock()

	if pq == nil {
		return nil, fmt.Errorf("no policy bundle loaded")
	}

	// Guard against oversized inputs to prevent memory exhaustion.
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("serializing policy input: %w", err)
	}
	if len(inputJSON) > maxInputSize {
		return nil, fmt.Errorf("policy input exceeds maximum size of %d bytes", maxInputSize)
	}

	start := time.Now()
	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy evaluation produced no result")
	}

	root, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	eval := &Evaluation{EvalTimeUs: time.Since(start).Microseconds()}
	if err := decodeVerdict(root, "result", &eval.Result); err != nil {
		return nil, err
	}
	if err := decodeVerdict(root, "post_approval", &eval.PostApproval); err != nil {
		return nil, err
	}

	log.Debug().
		Str("decision", eval.Result.Decision).
		Strs("rule_ids", eval.Result.RuleIDs).
		Int64("eval_time_us", eval.EvalTimeUs).
		Msg("policy evaluated")
	return eval, nil
}

func decodeVerdict(root map[string]any, key string, out *Verdict) error {
	raw, ok := root[key]
	if !ok {
		return fmt.Errorf("policy bundle did not produce %s", key)
	}
	// Round-trip through JSON so the untyped OPA value decodes into the
	// verdict struct uniformly.
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding %s verdict: %w", key, err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decoding %s verdict: %w", key, err)
	}
	if out.Decision == "" {
		return fmt.Errorf("%s verdict is missing a decision", key)
	}
	if out.Constraints == nil {
		out.Constraints = map[string]any{}
	}
	return nil
}

// Validate compiles a bundle directory without installing it. Used by the
// CLI validate command and by the hot-reload watcher before a swap.
func Validate(ctx context.Context, dir string) error {
	_, err := rego.New(
		rego.Query(decisionQuery),
		rego.Store(inmem.New()),
		rego.Load([]string{dir}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy bundle %s failed to compile: %w", dir, err)
	}
	return nil
}
