package policy

import (
	"context"
	"errors"
)

var (
	ErrInvalidInput = errors.New("policy: invalid input")
	// ErrPermissionDenied is returned by helpers that convert a Decision
	// into an error for the transport layer.
	ErrPermissionDenied = errors.New("policy: permission denied")
)

// Role is a product role known to the policy matrix.
type Role string

const (
	RoleAdmin         Role = "ADMIN"
	RoleRecepcionista Role = "RECEPCIONISTA"
	RoleMedico        Role = "MEDICO"
	RoleContador      Role = "CONTADOR"
)

// Action is a permitted operation on a resource.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Scope bounds the breadth of data a grant applies to.
type Scope string

const (
	// ScopeGlobal applies to every record of the resource.
	ScopeGlobal Scope = "GLOBAL"
	// ScopeSelf applies only when the target record is the subject itself.
	ScopeSelf Scope = "SELF"
	// ScopeAssigned applies to records the subject is assigned to, per the
	// AssignmentResolver.
	ScopeAssigned Scope = "ASSIGNED"
	// ScopeReadOnly permits READ and nothing else regardless of the action
	// list on the grant.
	ScopeReadOnly Scope = "READONLY"
	// ScopeDepartment and ScopeLimited pass unless a registered scope rule
	// narrows them. Extension points for deployments with org structure.
	ScopeDepartment Scope = "DEPARTMENT"
	ScopeLimited    Scope = "LIMITED"
)

// Resource names used by the built-in matrix.
const (
	ResourceClients        = "clients"
	ResourceAppointments   = "appointments"
	ResourceMedicalHistory = "medical_history"
	ResourcePayments       = "payments"
	ResourceStock          = "stock"
	ResourceReports        = "reports"
	ResourceUsers          = "users"
	ResourceSecurity       = "security"
)

// Grant is one immutable row of the policy matrix, keyed by (role, resource).
type Grant struct {
	Role               Role
	Resource           string
	Actions            []Action
	Scope              Scope
	DataClassification string
	Conditions         []string
	Restrictions       []string
	TimeWindow         string // "HH:MM-HH:MM", empty means always
}

// permits reports whether the action appears in the grant's action list.
func (g Grant) permits(action Action) bool {
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Request is one authorization question.
type Request struct {
	SubjectID  string
	Role       Role
	Resource   string
	Action     Action
	ResourceID string
	Context    map[string]string
}

// Decision is the engine's answer. Allowed is true only when every check on
// the matching grant passed.
type Decision struct {
	Allowed            bool
	Reason             string
	Scope              Scope
	DataClassification string
	Conditions         []string
	Restrictions       []string
}

// AssignmentResolver answers ownership/assignment questions against domain
// data the engine does not own (e.g. which doctor an appointment belongs to).
type AssignmentResolver interface {
	IsAssigned(ctx context.Context, resource, resourceID, subjectID string) (bool, error)
}

// AssignmentFunc adapts a plain function to AssignmentResolver.
type AssignmentFunc func(ctx context.Context, resource, resourceID, subjectID string) (bool, error)

func (f AssignmentFunc) IsAssigned(ctx context.Context, resource, resourceID, subjectID string) (bool, error) {
	return f(ctx, resource, resourceID, subjectID)
}

// PredicateFunc evaluates a named condition or restriction against a request.
// Returning false denies the request with a reason naming the predicate.
type PredicateFunc func(ctx context.Context, req Request) (bool, error)
