package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/autofix"
	"codeforge/internal/errs"
	"codeforge/internal/evaluator"
	"codeforge/internal/modelgateway"
	"codeforge/internal/planner"
	"codeforge/internal/validate"
)

// repair implements spec §4.L step 5: on test failure, first try cached
// fixes keyed by the failure's error signature, and only fall back to the
// escalating Repair Cycle (repair-generate at a higher role, re-validate,
// re-test) if none of them resolve it. Both phases share one total retry
// budget (cfg.Repair.MaxTotalRetries, default 6).
func (o *Orchestrator) repair(ctx context.Context, spec planner.Spec, iface artifact.Interface, failing attempt, cases [][]byte) (attempt, error) {
	budget := o.cfg.Repair.MaxTotalRetries
	if budget <= 0 {
		budget = 6
	}
	topK := o.cfg.Repair.TopKFixes
	if topK <= 0 {
		topK = 3
	}

	sig, lookupCtx := failureSignature(failing)
	fixes := o.autofix.Lookup(ctx, sig, lookupCtx, failing.source, topK)

	retries := 0
	for _, fix := range fixes {
		if retries >= budget {
			break
		}
		retries++

		transformed, _, err := autofix.Apply(fix, failing.source)
		if err != nil {
			o.log.Debug("cached fix did not apply", zap.String("fix_id", fix.ID), zap.Error(err))
			continue
		}
		candidate := o.revalidateAndTest(ctx, iface, transformed, spec, failing, cases)
		if candidate.ok() {
			if err := o.autofix.Record(ctx, fix.ID, true); err != nil {
				o.log.Warn("autofix record failed", zap.Error(err))
			}
			return candidate, nil
		}
		if err := o.autofix.Record(ctx, fix.ID, false); err != nil {
			o.log.Warn("autofix record failed", zap.Error(err))
		}
	}

	return o.repairCycle(ctx, spec, iface, failing, sig, retries, budget, cases)
}

// repairCycle repair-generates from an escalating model role, re-validating
// and re-testing each attempt, until the shared retry budget is exhausted
// (spec §4.L step 5's "escalating role... bounded total retry budget").
func (o *Orchestrator) repairCycle(ctx context.Context, spec planner.Spec, iface artifact.Interface, failing attempt, sig artifact.ErrorSignature, retries, budget int, cases [][]byte) (attempt, error) {
	role := modelgateway.RoleBase
	current := failing

	for retries < budget {
		retries++
		system, user := repairPrompt(spec, current)
		resp, err := o.gateway.Complete(ctx, modelgateway.CompletionRequest{
			Role:      role,
			System:    system,
			User:      user,
			MaxTokens: 4096,
		})
		if err != nil {
			o.log.Warn("repair generation failed", zap.Error(err), zap.String("role", string(role)))
			role = escalateRole(role)
			continue
		}

		candidate := o.revalidateAndTest(ctx, iface, extractRepairSource(resp.Text), spec, current, cases)
		if candidate.ok() {
			o.storeFixIfNovel(ctx, sig, current.source, candidate.source)
			return candidate, nil
		}
		current = candidate
		role = escalateRole(role)
	}

	return attempt{}, fmt.Errorf("orchestrator: %w after %d attempts", errs.ErrTestsUnfixable, retries)
}

// revalidateAndTest re-runs the validation and sandboxed-test pipeline
// against a repaired source string, threading the prior attempt's quality
// through as existingQuality (spec §4.K's test-failure branch needs it).
func (o *Orchestrator) revalidateAndTest(ctx context.Context, iface artifact.Interface, source string, spec planner.Spec, prior attempt, cases [][]byte) attempt {
	validators := []validate.Validator{
		validate.NewSyntaxValidator(),
		validate.NewImportAllowlistValidator(),
		validate.NewSchemaValidator(iface),
	}
	pipeline := validate.New(validators, o.log)
	a := attempt{generatorName: prior.generatorName, source: source}
	a.report = pipeline.Run(ctx, source, o.cfg.Autofix.MaxAttempts)
	if !a.report.OK {
		a.quality, a.rationale = evaluator.Score(artifact.TestResults{Pass: false}, evaluator.Metrics{}, spec, prior.quality)
		return a
	}

	testResult, metrics, err := o.runTests(ctx, iface, a.report.FinalSource, cases)
	a.testResult, a.metrics, a.runErr = testResult, metrics, err
	a.quality, a.rationale = evaluator.Score(testResult, metrics, spec, prior.quality)
	return a
}

// storeFixIfNovel records a freshly confirmed repair as a reusable fix
// only when its transform differs from the broken source in a way the
// cache can generalize (spec §4.G: "added only after at least one
// confirmed success"). A source pair with no single find/replace shape
// in common (e.g. a full rewrite) is not stored; the Repair Cycle's
// model call remains the fallback for that failure shape.
func (o *Orchestrator) storeFixIfNovel(ctx context.Context, sig artifact.ErrorSignature, broken, fixed string) {
	find, replace, ok := diffToTransform(broken, fixed)
	if !ok {
		return
	}
	transform, err := autofix.EncodeTransform(find, replace)
	if err != nil {
		o.log.Debug("repair transform not generalizable, skipping cache store", zap.Error(err))
		return
	}
	if _, err := o.autofix.StoreNovel(ctx, sig, broken, transform, artifact.FixScope{}); err != nil {
		o.log.Warn("store novel fix failed", zap.Error(err))
	}
}

func escalateRole(r modelgateway.Role) modelgateway.Role {
	switch r {
	case modelgateway.RoleFast:
		return modelgateway.RoleBase
	case modelgateway.RoleBase:
		return modelgateway.RolePowerful
	case modelgateway.RolePowerful:
		return modelgateway.RoleGod
	default:
		return modelgateway.RoleGod
	}
}
