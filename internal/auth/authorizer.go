package auth

import "github.com/spec-kit/identity-service/internal/domain"

// Authorizer decides privileged operations against the role hierarchy. It
// is pure: callers pass values read from the store, never from a request.
type Authorizer struct {
	roles *RoleHierarchy
}

// NewAuthorizer binds an authorizer to a compiled hierarchy.
func NewAuthorizer(roles *RoleHierarchy) *Authorizer {
	return &Authorizer{roles: roles}
}

// Roles exposes the hierarchy the authorizer decides against.
func (a *Authorizer) Roles() *RoleHierarchy {
	return a.roles
}

// EffectiveRole is the weaker of the session's role snapshot and the
// account's current role, so a demotion takes effect on live sessions.
func (a *Authorizer) EffectiveRole(actor *Principal) domain.Role {
	if actor == nil || actor.Account == nil {
		return ""
	}
	snapshot := actor.RoleSnapshot()
	if snapshot == "" {
		return actor.Account.Role
	}
	return a.roles.Weaker(snapshot, actor.Account.Role)
}

// Authorize reports whether actor may perform action on target.
func (a *Authorizer) Authorize(actor *Principal, target *domain.Account, action Action) bool {
	if actor == nil || actor.Account == nil || target == nil {
		return false
	}
	isSelf := actor.Account.ID == target.ID
	if isSelf && (action == ActionChangeRole || action == ActionChangeState) {
		return false
	}
	if !actor.Account.IsActive() {
		return false
	}
	return a.roles.CanActOnRole(a.EffectiveRole(actor), target.Role, action, isSelf)
}

// CanEditOwnAttribute reports whether actor may change attr on its own
// account.
func (a *Authorizer) CanEditOwnAttribute(actor *Principal, attr string) bool {
	if actor == nil || actor.Account == nil || !actor.Account.IsActive() {
		return false
	}
	return a.roles.CanEditOwnAttribute(a.EffectiveRole(actor), attr)
}

// CanAssignRole reports whether actor may set candidate as a new role.
func (a *Authorizer) CanAssignRole(actor *Principal, candidate domain.Role) bool {
	return a.roles.IsValidTargetRoleForChange(a.EffectiveRole(actor), candidate)
}

// CanAssignState reports whether actor may set candidate as a new state.
func (a *Authorizer) CanAssignState(actor *Principal, candidate domain.AccountState) bool {
	return a.roles.IsValidTargetStateForChange(a.EffectiveRole(actor), candidate)
}
