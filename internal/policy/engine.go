package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/obs"
)

type grantKey struct {
	role     Role
	resource string
}

// Engine evaluates permission requests against an immutable grant table. The
// table is built once at startup and never locked afterwards.
type Engine struct {
	grants       map[grantKey]Grant
	resolver     AssignmentResolver
	rec          *audit.Recorder
	conditions   map[string]PredicateFunc
	restrictions map[string]PredicateFunc
	scopeRules   map[Scope]PredicateFunc
	now          func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithResolver attaches the assignment resolver used by ASSIGNED scopes and
// assignment-backed conditions.
func WithResolver(r AssignmentResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithRecorder attaches the audit pipeline for denial events.
func WithRecorder(rec *audit.Recorder) Option {
	return func(e *Engine) { e.rec = rec }
}

// WithClock overrides the time source for time-window checks.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithCondition registers or overrides a named condition predicate.
func WithCondition(name string, fn PredicateFunc) Option {
	return func(e *Engine) { e.conditions[name] = fn }
}

// WithRestriction registers or overrides a named restriction predicate.
func WithRestriction(name string, fn PredicateFunc) Option {
	return func(e *Engine) { e.restrictions[name] = fn }
}

// WithScopeRule narrows a DEPARTMENT or LIMITED scope, which otherwise pass.
func WithScopeRule(scope Scope, fn PredicateFunc) Option {
	return func(e *Engine) { e.scopeRules[scope] = fn }
}

// NewEngine builds the engine from a grant list. Duplicate (role, resource)
// pairs are rejected so a misassembled matrix fails fast at startup.
func NewEngine(grants []Grant, opts ...Option) (*Engine, error) {
	e := &Engine{
		grants:       make(map[grantKey]Grant, len(grants)),
		conditions:   make(map[string]PredicateFunc),
		restrictions: make(map[string]PredicateFunc),
		scopeRules:   make(map[Scope]PredicateFunc),
		now:          time.Now,
	}
	for _, g := range grants {
		if g.Role == "" || g.Resource == "" {
			return nil, fmt.Errorf("%w: grant needs role and resource", ErrInvalidInput)
		}
		if g.TimeWindow != "" {
			if _, _, err := parseWindow(g.TimeWindow); err != nil {
				return nil, err
			}
		}
		key := grantKey{g.Role, g.Resource}
		if _, dup := e.grants[key]; dup {
			return nil, fmt.Errorf("%w: duplicate grant for %s/%s", ErrInvalidInput, g.Role, g.Resource)
		}
		e.grants[key] = g
	}
	e.conditions["patient_assigned"] = e.patientAssigned
	e.conditions["business_hours"] = windowPredicate(e, "07:00-20:00")
	e.restrictions["no_diagnosis"] = noDiagnosis
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate answers an authorization attempt. Denials are recorded as
// UNAUTHORIZED_ACCESS security events and counted.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	dec := e.decide(ctx, req)
	if !dec.Allowed {
		e.logDenial(ctx, req, dec.Reason)
	}
	return dec
}

// Can is a capability probe: same evaluation, no denial event. Used by UIs
// asking "should this button render", not by the request gate.
func (e *Engine) Can(ctx context.Context, req Request) bool {
	return e.decide(ctx, req).Allowed
}

func (e *Engine) decide(ctx context.Context, req Request) Decision {
	grant, ok := e.grants[grantKey{req.Role, req.Resource}]
	if !ok {
		return deny(fmt.Sprintf("role %s has no grant on %s", req.Role, req.Resource))
	}
	if !grant.permits(req.Action) {
		return deny(fmt.Sprintf("action %s not permitted on %s for role %s", req.Action, req.Resource, req.Role))
	}
	if d, ok := e.checkScope(ctx, grant, req); !ok {
		return d
	}
	for _, name := range grant.Conditions {
		if d, ok := e.checkPredicate(ctx, req, name, e.conditions, "condition"); !ok {
			return d
		}
	}
	for _, name := range grant.Restrictions {
		if d, ok := e.checkPredicate(ctx, req, name, e.restrictions, "restriction"); !ok {
			return d
		}
	}
	if grant.TimeWindow != "" && !e.withinWindow(grant.TimeWindow) {
		return deny(fmt.Sprintf("outside permitted time window %s", grant.TimeWindow))
	}
	return Decision{
		Allowed:            true,
		Reason:             "granted",
		Scope:              grant.Scope,
		DataClassification: grant.DataClassification,
		Conditions:         grant.Conditions,
		Restrictions:       grant.Restrictions,
	}
}

func (e *Engine) checkScope(ctx context.Context, grant Grant, req Request) (Decision, bool) {
	switch grant.Scope {
	case ScopeGlobal, "":
		return Decision{}, true
	case ScopeSelf:
		if req.ResourceID != req.SubjectID {
			return deny("scope SELF: resource does not belong to subject"), false
		}
		return Decision{}, true
	case ScopeAssigned:
		if req.ResourceID == "" {
			// Listing calls carry no single record id; downstream filters
			// narrow the result set instead.
			return Decision{}, true
		}
		if e.resolver == nil {
			return deny("scope ASSIGNED: no assignment resolver configured"), false
		}
		assigned, err := e.resolver.IsAssigned(ctx, req.Resource, req.ResourceID, req.SubjectID)
		if err != nil {
			obs.Error("assignment lookup failed", map[string]any{
				"resource":    req.Resource,
				"resource_id": req.ResourceID,
				"cause":       err.Error(),
			})
			return deny("scope ASSIGNED: assignment lookup failed"), false
		}
		if !assigned {
			return deny("scope ASSIGNED: subject is not assigned to resource"), false
		}
		return Decision{}, true
	case ScopeReadOnly:
		if req.Action != ActionRead {
			return deny("scope READONLY permits only READ"), false
		}
		return Decision{}, true
	case ScopeDepartment, ScopeLimited:
		rule, ok := e.scopeRules[grant.Scope]
		if !ok {
			return Decision{}, true
		}
		pass, err := rule(ctx, req)
		if err != nil {
			obs.Error("scope rule failed", map[string]any{
				"scope": string(grant.Scope),
				"cause": err.Error(),
			})
			return deny(fmt.Sprintf("scope %s rule failed", grant.Scope)), false
		}
		if !pass {
			return deny(fmt.Sprintf("scope %s rule rejected the request", grant.Scope)), false
		}
		return Decision{}, true
	default:
		return deny(fmt.Sprintf("unknown scope %q", grant.Scope)), false
	}
}

// checkPredicate evaluates one named condition or restriction. Unknown names
// fail open with a warning so a typo in the matrix cannot silently lock out
// (or let in) a role without a trace.
func (e *Engine) checkPredicate(ctx context.Context, req Request, name string, registry map[string]PredicateFunc, kind string) (Decision, bool) {
	fn, ok := registry[name]
	if !ok {
		obs.Warn("unknown policy predicate, failing open", map[string]any{
			"kind":     kind,
			"name":     name,
			"role":     string(req.Role),
			"resource": req.Resource,
		})
		return Decision{}, true
	}
	pass, err := fn(ctx, req)
	if err != nil {
		obs.Error("policy predicate failed", map[string]any{
			"kind":  kind,
			"name":  name,
			"cause": err.Error(),
		})
		return deny(fmt.Sprintf("%s %s could not be evaluated", kind, name)), false
	}
	if !pass {
		return deny(fmt.Sprintf("%s %s not satisfied", kind, name)), false
	}
	return Decision{}, true
}

func (e *Engine) logDenial(ctx context.Context, req Request, reason string) {
	obs.IncPermissionDenial(req.Resource)
	if e.rec == nil {
		return
	}
	e.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
		Type:        audit.EventUnauthorizedAccess,
		Severity:    audit.SeverityMedium,
		Description: "authorization denied",
		Metadata: map[string]string{
			"subject_id":  req.SubjectID,
			"role":        string(req.Role),
			"resource":    req.Resource,
			"action":      string(req.Action),
			"resource_id": req.ResourceID,
			"reason":      reason,
		},
	})
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// patientAssigned is the built-in condition backing clinical-data grants: the
// requesting doctor must have an active assignment to the patient. The
// patient id comes from the request context, falling back to the record id.
func (e *Engine) patientAssigned(ctx context.Context, req Request) (bool, error) {
	patientID := req.Context["patient_id"]
	if patientID == "" {
		patientID = req.ResourceID
	}
	if patientID == "" {
		return false, nil
	}
	if e.resolver == nil {
		return req.Context["patient_assigned"] == "true", nil
	}
	return e.resolver.IsAssigned(ctx, ResourceMedicalHistory, patientID, req.SubjectID)
}

// noDiagnosis blocks edits once a diagnosis has been finalized.
func noDiagnosis(ctx context.Context, req Request) (bool, error) {
	return req.Context["diagnosis_final"] != "true", nil
}

func windowPredicate(e *Engine, window string) PredicateFunc {
	return func(ctx context.Context, req Request) (bool, error) {
		return e.withinWindow(window), nil
	}
}

// withinWindow reports whether the engine clock falls inside the HH:MM-HH:MM
// window, boundaries inclusive. Windows that cross midnight wrap.
func (e *Engine) withinWindow(window string) bool {
	start, end, err := parseWindow(window)
	if err != nil {
		// Windows are validated at startup; reparse failure means a
		// programming error, fail closed.
		return false
	}
	t := e.now()
	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// parseWindow converts "HH:MM-HH:MM" to minutes-of-day bounds.
func parseWindow(window string) (start, end int, err error) {
	parts := strings.Split(window, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time window %q", ErrInvalidInput, window)
	}
	start, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: clock value %q", ErrInvalidInput, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: clock value %q", ErrInvalidInput, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: clock value %q", ErrInvalidInput, s)
	}
	return h*60 + m, nil
}
