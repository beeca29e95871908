package action

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/storage/auth"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

// HookTimeout bounds total execution of one hook invocation (DSL,
// native, or hybrid), spec §4.H.2.
const HookTimeout = 5 * time.Second

// HookContext is what a hook body — DSL or native — runs against.
type HookContext struct {
	TnID      tenant.TnId
	Action    meta.ActionRow
	IsInbound bool
	Vars      Vars

	Meta      *meta.Adapter
	Auth      *auth.Adapter
	Scheduler *scheduler.Scheduler
}

// HookResult is what executing a hook (DSL, native, or hybrid) yields:
// the variable bindings accumulated, whether subsequent steps/hooks
// should still run, and an optional explicit return value (spec
// §4.H.3).
type HookResult struct {
	Vars               Vars
	ContinueProcessing bool
	ReturnValue        any
}

// returnSignal unwinds Execute's operation loop when a Return or Abort
// operation fires; it is not a user-facing error.
type returnSignal struct {
	value     any
	abort     bool
	abortErr  error
}

func (r *returnSignal) Error() string {
	if r.abort {
		return fmt.Sprintf("aborted: %v", r.abortErr)
	}
	return "return"
}

// Engine executes hook operation lists. DSL execution has no access to
// the network or filesystem beyond what HookContext.Meta/Scheduler
// expose — it is a sandboxed interpreter, not a general scripting
// facility.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Run executes ops against hc under the spec's 5-second hook timeout,
// returning the accumulated HookResult.
func (eng *Engine) Run(ops []Operation, hc *HookContext) (HookResult, error) {
	if hc.Vars == nil {
		hc.Vars = make(Vars)
	}
	ctx, cancel := context.WithTimeout(context.Background(), HookTimeout)
	defer cancel()

	done := make(chan error, 1)
	var retSignal *returnSignal
	go func() {
		err := eng.execList(ctx, ops, hc)
		if rs, ok := err.(*returnSignal); ok {
			retSignal = rs
			done <- nil
			return
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return HookResult{}, err
		}
	case <-ctx.Done():
		return HookResult{}, clerr.New(clerr.Timeout, "hook execution exceeded 5s limit")
	}

	result := HookResult{Vars: hc.Vars, ContinueProcessing: true}
	if retSignal != nil {
		if retSignal.abort {
			return result, clerr.Wrap(clerr.ValidationError, "hook aborted", retSignal.abortErr)
		}
		result.ReturnValue = retSignal.value
		result.ContinueProcessing = false
	}
	return result, nil
}

func (eng *Engine) execList(ctx context.Context, ops []Operation, hc *HookContext) error {
	for _, op := range ops {
		if ctx.Err() != nil {
			return clerr.New(clerr.Timeout, "hook execution exceeded 5s limit")
		}
		if err := eng.exec(ctx, op, hc); err != nil {
			return err
		}
	}
	return nil
}

func (eng *Engine) eval(e *Expression, hc *HookContext) (any, error) {
	if err := ValidateExpressionLimits(e); err != nil {
		return nil, err
	}
	return e.Eval(hc.Vars)
}

func (eng *Engine) exec(ctx context.Context, op Operation, hc *HookContext) error {
	switch op.Kind {
	case OpSet:
		val, err := eng.eval(op.From, hc)
		if err != nil {
			return err
		}
		hc.Vars[op.Var] = val
		return nil

	case OpGet:
		val, err := eng.eval(op.From, hc)
		if err != nil {
			return err
		}
		hc.Vars[op.Var] = val
		return nil

	case OpMerge:
		merged := make(map[string]any)
		for _, objExpr := range op.Objects {
			val, err := eng.eval(objExpr, hc)
			if err != nil {
				return err
			}
			if m, ok := val.(map[string]any); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		hc.Vars[op.As] = merged
		return nil

	case OpIf:
		cond, err := eng.eval(op.Cond, hc)
		if err != nil {
			return err
		}
		if truthy(cond) {
			return eng.execList(ctx, op.Then, hc)
		}
		return eng.execList(ctx, op.Else, hc)

	case OpSwitch:
		val, err := eng.eval(op.Value, hc)
		if err != nil {
			return err
		}
		for _, c := range op.Cases {
			caseVal, err := eng.eval(c.Value, hc)
			if err != nil {
				return err
			}
			if looseEqual(val, caseVal) {
				return eng.execList(ctx, c.Do, hc)
			}
		}
		return eng.execList(ctx, op.Default, hc)

	case OpForeach:
		arrVal, err := eng.eval(op.Array, hc)
		if err != nil {
			return err
		}
		arr, _ := arrVal.([]any)
		alias := op.As
		if alias == "" {
			alias = "item"
		}
		for _, item := range arr {
			hc.Vars[alias] = item
			if err := eng.execList(ctx, op.Do, hc); err != nil {
				return err
			}
		}
		return nil

	case OpReturn:
		var val any
		if op.From != nil {
			v, err := eng.eval(op.From, hc)
			if err != nil {
				return err
			}
			val = v
		}
		return &returnSignal{value: val}

	case OpAbort:
		msg, _ := eng.eval(op.Error, hc)
		return &returnSignal{abort: true, abortErr: clerr.New(clerr.ValidationError, fmt.Sprint(msg))}

	case OpLog:
		msg, err := eng.eval(op.Message, hc)
		if err != nil {
			return err
		}
		level := op.Level
		if level == "" {
			level = "info"
		}
		entry := log.WithField("action_id", hc.Action.ActionID)
		switch level {
		case "warn":
			entry.Warn(fmt.Sprint(msg))
		case "error":
			entry.Error(fmt.Sprint(msg))
		default:
			entry.Info(fmt.Sprint(msg))
		}
		return nil

	case OpUpdateProfile:
		return eng.execUpdateProfile(op, hc)
	case OpGetProfile:
		return eng.execGetProfile(op, hc)
	case OpCreateAction:
		return eng.execCreateAction(op, hc)
	case OpGetAction:
		return eng.execGetAction(op, hc)
	case OpUpdateAction:
		return eng.execUpdateAction(op, hc)
	case OpDeleteAction:
		return hc.Meta.UpdateActionStatus(hc.TnID, hc.Action.ActionID, "D")
	case OpBroadcastToFollowers:
		return eng.execBroadcastToFollowers(op, hc)
	case OpSendToAudience:
		return eng.execSendToAudience(op, hc)
	case OpCreateNotification:
		return eng.execCreateNotification(op, hc)

	default:
		return clerr.New(clerr.ValidationError, "unknown operation kind: "+string(op.Kind))
	}
}
