// Package action implements the action pipeline of spec §4.H: a
// declarative action type registry, a sandboxed DSL for hook bodies, a
// native hook registry for the handful of core action types that need
// real code, the P/A/C/N/D lifecycle state machine, and Ed25519 action
// token signing/verification. Grounded on the teacher's scheduler/task
// registration style and the meta/auth adapters it composes against.
package action

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/Masterminds/semver/v3"

	"github.com/cloudillo/cloudillo/clerr"
)

// FieldConstraint is a type declaration's rule for one structural field.
type FieldConstraint string

const (
	Required  FieldConstraint = "Required"
	Forbidden FieldConstraint = "Forbidden"
	Optional  FieldConstraint = "Optional"
)

// FieldConstraints covers the five structural fields every action
// carries alongside its type-specific content.
type FieldConstraints struct {
	Content     FieldConstraint `json:"content"`
	Audience    FieldConstraint `json:"audience"`
	Parent      FieldConstraint `json:"parent"`
	Subject     FieldConstraint `json:"subject"`
	Attachments FieldConstraint `json:"attachments"`
}

// ContentSchema constrains the shape of an action's content JSON.
type ContentSchema struct {
	Type       string                   `json:"type,omitempty"` // string|number|object|enum
	MinLength  *int                     `json:"minLength,omitempty"`
	MaxLength  *int                     `json:"maxLength,omitempty"`
	Min        *float64                 `json:"min,omitempty"`
	Max        *float64                 `json:"max,omitempty"`
	Enum       []string                 `json:"enum,omitempty"`
	Properties map[string]ContentSchema `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

// BehaviorFlags are the boolean/duration switches governing delivery and
// lifecycle for one action type (spec §4.H.1).
type BehaviorFlags struct {
	Broadcast          bool `json:"broadcast"`
	AllowUnknown       bool `json:"allowUnknown"`
	RequiresAcceptance bool `json:"requiresAcceptance"`
	TTL                int  `json:"ttl"` // seconds, 0 = no expiry
	Sync               bool `json:"sync"`
	Federated          bool `json:"federated"`
	LocalOnly          bool `json:"localOnly"`
	Ephemeral          bool `json:"ephemeral"`
	Approvable         bool `json:"approvable"`
}

// PermissionRules gate who may create or receive this action type.
type PermissionRules struct {
	CanCreate          []string `json:"canCreate"` // role names, empty = any authenticated tenant member
	CanReceive         []string `json:"canReceive"`
	RequiresFollowing  bool     `json:"requiresFollowing"`
	RequiresConnected  bool     `json:"requiresConnected"`
}

// HookKind discriminates a hook slot's implementation strategy.
type HookKind string

const (
	HookNone   HookKind = "none"
	HookDsl    HookKind = "dsl"
	HookNative HookKind = "native"
	HookHybrid HookKind = "hybrid"
)

// Hook is one lifecycle hook's definition: a DSL operation list, a
// native function name (resolved against a HookRegistry at run time),
// or both for Hybrid.
type Hook struct {
	Kind       HookKind    `json:"kind"`
	Dsl        []Operation `json:"dsl,omitempty"`
	NativeName string      `json:"nativeName,omitempty"`
}

func (h Hook) isSet() bool { return h.Kind != "" && h.Kind != HookNone }

// Hooks bundles the four lifecycle slots an action type may define.
type Hooks struct {
	OnCreate  Hook `json:"onCreate"`
	OnReceive Hook `json:"onReceive"`
	OnAccept  Hook `json:"onAccept"`
	OnReject  Hook `json:"onReject"`
}

// ActionDefinition is the declarative registration for one action type
// (spec §4.H.1).
type ActionDefinition struct {
	Type        string                   `json:"type"`
	Version     string                   `json:"version"`
	Description string                   `json:"description"`
	Fields      FieldConstraints         `json:"fields"`
	Schema      map[string]ContentSchema `json:"schema,omitempty"` // currently only "content"
	Behavior    BehaviorFlags            `json:"behavior"`
	KeyPattern  string                   `json:"keyPattern"`
	Hooks       Hooks                    `json:"hooks"`
	Permissions PermissionRules          `json:"permissions"`
}

var typeIDPattern = regexp.MustCompile(`^[A-Z]{2,16}(:[A-Z]{2,16})?$`)
var keyPatternPlaceholder = regexp.MustCompile(`\{[^{}]+\}`)

const (
	maxHookDepth = 10
	maxHookOps   = 100
)

// Validate enforces spec §4.H.1's load-time checks. Definitions that
// fail validation are rejected by Registry.Register before they can
// reach the pipeline.
func (d *ActionDefinition) Validate() error {
	if !typeIDPattern.MatchString(d.Type) {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("action type %q must be 2-16 uppercase letters (optionally with a : subtype)", d.Type))
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return clerr.Wrap(clerr.ValidationError, fmt.Sprintf("action type %s: version %q is not semver", d.Type, d.Version), err)
	}
	if err := validateFieldConstraint(d.Fields.Content); err != nil {
		return err
	}
	if err := validateFieldConstraint(d.Fields.Audience); err != nil {
		return err
	}
	if err := validateFieldConstraint(d.Fields.Parent); err != nil {
		return err
	}
	if err := validateFieldConstraint(d.Fields.Subject); err != nil {
		return err
	}
	if err := validateFieldConstraint(d.Fields.Attachments); err != nil {
		return err
	}
	if !keyPatternPlaceholder.MatchString(d.KeyPattern) {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("action type %s: keyPattern must contain at least one {placeholder}", d.Type))
	}
	for _, hook := range []Hook{d.Hooks.OnCreate, d.Hooks.OnReceive, d.Hooks.OnAccept, d.Hooks.OnReject} {
		if err := validateHookLimits(d.Type, hook.Dsl); err != nil {
			return err
		}
	}
	if d.Behavior.RequiresAcceptance && d.Fields.Audience == Forbidden {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("action type %s: requiresAcceptance needs an audience", d.Type))
	}
	return nil
}

func validateFieldConstraint(c FieldConstraint) error {
	switch c {
	case Required, Forbidden, Optional:
		return nil
	default:
		return clerr.New(clerr.ValidationError, fmt.Sprintf("unknown field constraint %q", c))
	}
}

func validateHookLimits(actionType string, ops []Operation) error {
	count, depth := countOps(ops, 1)
	if depth > maxHookDepth {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("action type %s: hook operation tree depth %d exceeds %d", actionType, depth, maxHookDepth))
	}
	if count > maxHookOps {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("action type %s: hook has %d operations, limit %d", actionType, count, maxHookOps))
	}
	return nil
}

// RenderKey substitutes {field} placeholders in the type's key_pattern
// from the given field values (spec §4.H.1's dedup/lookup key).
func (d *ActionDefinition) RenderKey(fields map[string]string) string {
	return keyPatternPlaceholder.ReplaceAllStringFunc(d.KeyPattern, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := fields[name]; ok {
			return v
		}
		return ""
	})
}

// Registry holds every loaded ActionDefinition, keyed by type.
type Registry struct {
	defs map[string]ActionDefinition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]ActionDefinition)}
}

// Register validates and adds a definition. Re-registering the same
// type with a higher semver version replaces it; a lower or equal
// version is rejected so a misconfigured reload can't silently downgrade
// a live type.
func (r *Registry) Register(def ActionDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if existing, ok := r.defs[def.Type]; ok {
		existingV, _ := semver.NewVersion(existing.Version)
		newV, _ := semver.NewVersion(def.Version)
		if existingV != nil && newV != nil && !newV.GreaterThan(existingV) {
			return clerr.New(clerr.Conflict, fmt.Sprintf("action type %s: version %s does not supersede registered %s", def.Type, def.Version, existing.Version))
		}
	}
	r.defs[def.Type] = def
	return nil
}

func (r *Registry) Get(actionType string) (ActionDefinition, bool) {
	d, ok := r.defs[actionType]
	return d, ok
}

func (r *Registry) MustGet(actionType string) ActionDefinition {
	d, ok := r.defs[actionType]
	if !ok {
		panic("action: unregistered type " + strconv.Quote(actionType))
	}
	return d
}
