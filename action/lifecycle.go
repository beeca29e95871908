package action

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/idhash"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/storage/auth"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

// Status values for meta.ActionRow.Status (spec §4.H.4).
const (
	StatusPending              = "P" // not yet finalized, token not yet generated
	StatusActive               = "A" // finalized, steady state
	StatusConfirmationRequired = "C" // requires_acceptance, awaiting user decision
	StatusNotification         = "N" // informational
	StatusDeleted              = "D"
)

const KindCreate = "action.create"

// Pipeline wires the registry, DSL engine, native hooks, and adapters
// together into the lifecycle described in spec §4.H.4: create,
// receive, accept, reject.
type Pipeline struct {
	Registry *Registry
	Hooks    *HookRegistry
	Meta     *meta.Adapter
	Auth     *auth.Adapter
	Sched    *scheduler.Scheduler
	SMTP     SMTPConfig
	// Delivery supplies the KindDelivery builder/runner. The federation
	// package (which depends on action for KindDelivery/SplitDeliveryInput)
	// fills this in via federation.Handlers before RegisterTasks runs —
	// a field here rather than an import keeps action free of a cycle
	// back to federation.
	Delivery DeliveryHandlers
	engine   *Engine
}

// DeliveryHandlers is the scheduler.Builder/Runner pair for KindDelivery,
// supplied by the federation package at composition time.
type DeliveryHandlers struct {
	Build scheduler.Builder
	Run   scheduler.Runner
}

func NewPipeline(registry *Registry, hooks *HookRegistry, metaAdapter *meta.Adapter, authAdapter *auth.Adapter, sched *scheduler.Scheduler) *Pipeline {
	return &Pipeline{Registry: registry, Hooks: hooks, Meta: metaAdapter, Auth: authAdapter, Sched: sched, engine: NewEngine()}
}

// RegisterTasks hooks the action.create finalize task, the
// idp-activation email task, and (once p.Delivery is set) the
// federation delivery task into sched. Call once during app
// composition, after assigning p.Delivery, alongside file.NewRunner's
// registration.
func (p *Pipeline) RegisterTasks() {
	p.Sched.Register(KindCreate, BuildCreate, p.createRunner(), scheduler.DefaultRetryPolicy)
	p.Sched.Register(KindIdpActivationEmail, BuildIdpActivationEmail, NewIdpActivationRunner(p.SMTP), scheduler.DefaultRetryPolicy)
	if p.Delivery.Run != nil {
		p.Sched.Register(KindDelivery, p.Delivery.Build, p.Delivery.Run, scheduler.DefaultRetryPolicy)
	}
}

// createContext is the scheduler.Builder-reconstructed input for
// KindCreate: "<tn_id>,<temp_id>".
type createContext struct {
	TnID   tenant.TnId
	TempID string
}

func BuildCreate(taskID, input string) (any, error) {
	tnIDStr, tempID, ok := strings.Cut(input, ",")
	if !ok {
		return nil, clerr.New(clerr.Internal, "invalid action.create input")
	}
	n, err := strconv.ParseInt(tnIDStr, 10, 64)
	if err != nil {
		return nil, clerr.Wrap(clerr.Internal, "invalid tn_id in action.create input", err)
	}
	return createContext{TnID: tenant.TnId(n), TempID: tempID}, nil
}

func createInput(tnID tenant.TnId, tempID string) string {
	return fmt.Sprintf("%d,%s", tnID, tempID)
}

// DeliveryInput serializes the (target, token) pair into the string
// input federation.ActionDeliveryTask's scheduler.Builder decodes back
// out (spec §4.I). A delimiter that cannot appear in either field keeps
// this a plain split rather than needing JSON.
func DeliveryInput(target, token string) string {
	return target + "\x1f" + token
}

// SplitDeliveryInput reverses DeliveryInput; federation's task builder
// uses this to reconstruct (target, token) from a scheduled task's
// input string.
func SplitDeliveryInput(input string) (target, token string, ok bool) {
	return strings.Cut(input, "\x1f")
}

// ScheduleCreate schedules the action.create finalize task for a
// just-inserted pending action row (spec §4.H.4 step 3).
func ScheduleCreate(sched *scheduler.Scheduler, tnID tenant.TnId, tempID string, deps ...string) error {
	_, err := sched.Schedule(KindCreate, fmt.Sprintf("%d,%s", tnID, tempID), createInput(tnID, tempID), deps)
	return err
}

// CreateAction is the entry point for a locally-issued action (spec
// §4.H.4, creation path steps 1-3): validate against the registry,
// insert the pending row, and schedule action.create to wait on the
// given attachmentDeps task ids (already-resolved file.id-generate task
// ids; no @<f_id> placeholder resolution happens here).
func (p *Pipeline) CreateAction(tnID tenant.TnId, issuerTag, actionType, content, audience, parent, subject string, attachmentDeps []string) (tempID string, err error) {
	def, ok := p.Registry.Get(actionType)
	if !ok {
		return "", clerr.New(clerr.ValidationError, "unknown action type: "+actionType)
	}
	if err := checkFieldPresence(def.Fields.Content, content, "content"); err != nil {
		return "", err
	}
	if err := checkFieldPresence(def.Fields.Audience, audience, "audience"); err != nil {
		return "", err
	}
	if err := checkFieldPresence(def.Fields.Parent, parent, "parent"); err != nil {
		return "", err
	}
	if err := checkFieldPresence(def.Fields.Subject, subject, "subject"); err != nil {
		return "", err
	}

	tempID = "t1" + idhash.Hash("", []byte(issuerTag+actionType+content))[:20]
	row := meta.ActionRow{
		TnId:      tnID,
		TempID:    tempID,
		Type:      actionType,
		IssuerTag: issuerTag,
		Audience:  audience,
		Parent:    parent,
		Subject:   subject,
		Content:   content,
		Status:    StatusPending,
	}
	if err := p.Meta.InsertAction(row); err != nil {
		return "", err
	}
	if err := ScheduleCreate(p.Sched, tnID, tempID, attachmentDeps...); err != nil {
		return "", err
	}
	return tempID, nil
}

func checkFieldPresence(c FieldConstraint, value, name string) error {
	switch c {
	case Required:
		if value == "" {
			return clerr.New(clerr.ValidationError, name+" is required for this action type")
		}
	case Forbidden:
		if value != "" {
			return clerr.New(clerr.ValidationError, name+" is not allowed for this action type")
		}
	}
	return nil
}

// createRunner implements spec §4.H.4 step 4-6: sign the token, compute
// action_id, finalize the row, run on_create, and schedule delivery.
func (p *Pipeline) createRunner() scheduler.Runner {
	return func(rc scheduler.RunContext) (string, error) {
		ctx, ok := rc.Context.(createContext)
		if !ok {
			return "", clerr.New(clerr.Internal, "action.create: missing build context")
		}

		row, err := p.Meta.GetAction(ctx.TnID, ctx.TempID)
		if err != nil {
			return "", err
		}

		token, err := SignActionToken(p.Auth, ctx.TnID, row)
		if err != nil {
			return "", err
		}
		actionID := idhash.Hash("a1", []byte(token))

		if err := p.Meta.FinalizeAction(ctx.TnID, ctx.TempID, actionID, token); err != nil {
			return "", err
		}
		row.ActionID = actionID
		row.Token = token
		row.Status = StatusActive

		def, ok := p.Registry.Get(row.Type)
		if !ok {
			return actionID, nil
		}

		hc := &HookContext{TnID: ctx.TnID, Action: row, IsInbound: false, Meta: p.Meta, Auth: p.Auth, Scheduler: p.Sched}
		if _, err := p.runHook(def, def.Hooks.OnCreate, hc); err != nil {
			return "", err
		}

		if err := p.deliverAfterCreate(ctx.TnID, def, row); err != nil {
			return "", err
		}
		return actionID, nil
	}
}

// deliverAfterCreate implements spec §4.H.4 step 6's delivery targeting
// rule directly (outside the DSL, since every action type gets this for
// free, not just ones with an explicit hook calling BroadcastToFollowers
// or SendToAudience).
func (p *Pipeline) deliverAfterCreate(tnID tenant.TnId, def ActionDefinition, row meta.ActionRow) error {
	var targets []string
	if def.Behavior.Broadcast && row.Audience == "" {
		followers, err := ListFollowers(p.Meta, tnID, row.IssuerTag)
		if err != nil {
			return err
		}
		targets = followers
	} else if row.Audience != "" && row.Audience != row.IssuerTag {
		targets = []string{row.Audience}
	}
	for _, target := range targets {
		key := "delivery:" + row.ActionID + ":" + target
		if _, err := p.Sched.Schedule(KindDelivery, key, DeliveryInput(target, row.Token), nil); err != nil {
			return err
		}
	}
	return nil
}

// runHook executes a Hook's DSL, native, or hybrid implementation,
// returning the resulting HookResult. A None hook is a no-op.
func (p *Pipeline) runHook(def ActionDefinition, hook Hook, hc *HookContext) (HookResult, error) {
	switch hook.Kind {
	case HookNone, "":
		return HookResult{Vars: hc.Vars, ContinueProcessing: true}, nil
	case HookDsl:
		return p.engine.Run(hook.Dsl, hc)
	case HookNative:
		fn, ok := p.Hooks.lookup(def.Type, hook.NativeName)
		if !ok {
			return HookResult{}, clerr.New(clerr.Internal, "no native hook registered: "+hook.NativeName)
		}
		return fn(p, hc)
	case HookHybrid:
		res, err := p.engine.Run(hook.Dsl, hc)
		if err != nil {
			return res, err
		}
		if !res.ContinueProcessing {
			return res, nil
		}
		fn, ok := p.Hooks.lookup(def.Type, hook.NativeName)
		if !ok {
			return HookResult{}, clerr.New(clerr.Internal, "no native hook registered: "+hook.NativeName)
		}
		return fn(p, hc)
	default:
		return HookResult{}, clerr.New(clerr.ValidationError, "unknown hook kind: "+string(hook.Kind))
	}
}

// ReceiveAction implements spec §4.H.4's inbound path: verify the
// token, re-derive action_id, reject duplicates, apply permission
// checks, insert at N or C, and run on_receive.
func (p *Pipeline) ReceiveAction(tnID tenant.TnId, token string, fields meta.ActionRow) error {
	def, ok := p.Registry.Get(fields.Type)
	if !ok {
		return clerr.New(clerr.ValidationError, "unknown action type: "+fields.Type)
	}

	claims, actionID, err := VerifyActionToken(p.Auth, p.Meta, tnID, token)
	if err != nil {
		return err
	}
	if claims.Issuer != fields.IssuerTag {
		return clerr.New(clerr.Unauthorized, "token issuer mismatch")
	}

	if _, err := p.Meta.GetAction(tnID, actionID); err == nil {
		return nil // duplicate inbound action: idempotent no-op (spec §7)
	}

	status := StatusNotification
	if def.Behavior.RequiresAcceptance {
		status = StatusConfirmationRequired
	}

	row := fields
	row.TnId = tnID
	row.ActionID = actionID
	row.Token = token
	row.Status = status
	if err := p.Meta.InsertAction(row); err != nil {
		return err
	}

	hc := &HookContext{TnID: tnID, Action: row, IsInbound: true, Meta: p.Meta, Auth: p.Auth, Scheduler: p.Sched}
	_, err = p.runHook(def, def.Hooks.OnReceive, hc)
	return err
}

// Decide runs on_accept or on_reject for a status-C action, per the
// user's explicit decision (spec §4.H.4, acceptance/rejection).
func (p *Pipeline) Decide(tnID tenant.TnId, actionID string, accept bool) error {
	row, err := p.Meta.GetAction(tnID, actionID)
	if err != nil {
		return err
	}
	if row.Status != StatusConfirmationRequired {
		return clerr.New(clerr.Conflict, "action is not awaiting a decision")
	}
	def, ok := p.Registry.Get(row.Type)
	if !ok {
		return clerr.New(clerr.ValidationError, "unknown action type: "+row.Type)
	}

	hook := def.Hooks.OnReject
	newStatus := StatusDeleted
	if accept {
		hook = def.Hooks.OnAccept
		newStatus = StatusActive
	}

	hc := &HookContext{TnID: tnID, Action: row, IsInbound: true, Meta: p.Meta, Auth: p.Auth, Scheduler: p.Sched}
	if _, err := p.runHook(def, hook, hc); err != nil {
		return err
	}
	return p.Meta.UpdateActionStatus(tnID, actionID, newStatus)
}
