// Package policy is the decision layer over the OPA engine: it feeds
// decision inputs to the bundle, decodes verdicts into domain types, and
// keeps the bundle fresh via filesystem watching.
package policy

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/datawarden/datawarden/internal/models"
	"github.com/datawarden/datawarden/pkg/opa"
)

// Service evaluates decision inputs against the loaded policy bundle.
// Evaluation is referentially transparent over the input: for a fixed bundle
// the same input always yields the same verdict.
type Service struct {
	engine    *opa.Engine
	bundleDir string // empty when running on the embedded bundle
}

// NewService loads the bundle and returns a ready service. When bundleDir is
// empty the embedded default bundle is used.
func NewService(ctx context.Context, bundleDir string) (*Service, error) {
	engine, err := opa.NewEngine()
	if err != nil {
		return nil, err
	}
	if bundleDir == "" {
		if err := engine.LoadEmbedded(ctx); err != nil {
			return nil, models.WrapErr(models.ErrPolicyBundleInvalid, "embedded bundle", err)
		}
	} else {
		if err := engine.LoadDir(ctx, bundleDir); err != nil {
			return nil, models.WrapErr(models.ErrPolicyBundleInvalid, bundleDir, err)
		}
	}
	return &Service{engine: engine, bundleDir: bundleDir}, nil
}

// Ready reports whether a bundle is loaded.
func (s *Service) Ready() bool { return s.engine.Ready() }

// Evaluate returns the aggregate verdict for a decision input. Any engine
// error fails closed: the caller receives a DENY verdict, never an
// indeterminate one.
func (s *Service) Evaluate(ctx context.Context, in *models.DecisionInput) *models.DecisionOutput {
	eval, err := s.engine.Evaluate(ctx, in)
	if err != nil {
		log.Error().Err(err).Msg("policy evaluation failed, denying")
		return failClosed()
	}
	return toOutput(&eval.Result)
}

// EvaluatePostApproval re-runs the frozen decision input through the bundle
// with the approval layer excluded. Used when an admin approves a suspended
// request: approval must never widen authorization.
func (s *Service) EvaluatePostApproval(ctx context.Context, in *models.DecisionInput) *models.DecisionOutput {
	eval, err := s.engine.Evaluate(ctx, in)
	if err != nil {
		log.Error().Err(err).Msg("post-approval evaluation failed, denying")
		return failClosed()
	}
	return toOutput(&eval.PostApproval)
}

func toOutput(v *opa.Verdict) *models.DecisionOutput {
	out := &models.DecisionOutput{
		Decision:    models.DecisionKind(v.Decision),
		Reason:      v.Reason,
		RuleIDs:     v.RuleIDs,
		Constraints: v.Constraints,
	}
	if out.RuleIDs == nil {
		out.RuleIDs = []string{}
	}
	return out
}

func failClosed() *models.DecisionOutput {
	return &models.DecisionOutput{
		Decision:    models.DecisionDeny,
		Reason:      "policy evaluation failed",
		RuleIDs:     []string{string(models.ErrPolicyDenied)},
		Constraints: map[string]any{},
	}
}

// Watch reloads the bundle whenever a .rego file under the bundle directory
// changes. A bundle that fails to compile is rejected and the previous one
// stays active. Watch blocks until ctx is done; it is a no-op for the
// embedded bundle.
func (s *Service) Watch(ctx context.Context) error {
	if s.bundleDir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.bundleDir); err != nil {
		return err
	}

	// Editors fire bursts of events per save; debounce before recompiling.
	const debounce = 250 * time.Millisecond
	var pending *time.Timer
	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".rego") {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("policy bundle watcher error")
		case <-reloads:
			s.reload(ctx)
		}
	}
}

func (s *Service) reload(ctx context.Context) {
	if err := opa.Validate(ctx, s.bundleDir); err != nil {
		log.Error().Err(err).Str("dir", s.bundleDir).
			Msg("rejected policy bundle update, previous bundle stays active")
		return
	}
	if err := s.engine.LoadDir(ctx, s.bundleDir); err != nil {
		log.Error().Err(err).Str("dir", s.bundleDir).Msg("policy bundle swap failed")
		return
	}
	log.Info().Str("dir", s.bundleDir).Msg("policy bundle reloaded")
}
