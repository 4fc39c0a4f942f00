package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spec-kit/identity-service/internal/domain"
)

// Action is a privileged operation governed by the role hierarchy.
type Action string

const (
	ActionChangeRole       Action = "change_role"
	ActionChangeState      Action = "change_state"
	ActionUpdateAttributes Action = "update_attributes"
	ActionRemove           Action = "remove"
	ActionView             Action = "view"
)

func (a Action) valid() bool {
	switch a {
	case ActionChangeRole, ActionChangeState, ActionUpdateAttributes, ActionRemove, ActionView:
		return true
	}
	return false
}

// Attributes an account may be allowed to edit on itself.
const (
	AttrDisplayName = "display_name"
	AttrEmail       = "email"
	AttrPhone       = "phone"
	AttrPassword    = "password"
	AttrVisibility  = "visibility"
	AttrOccupation  = "occupation"
	AttrWorkplace   = "workplace"
	AttrAddress     = "address"
	AttrPostalCode  = "postal_code"
	AttrTaxID       = "tax_id"
)

var knownAttributes = map[string]struct{}{
	AttrDisplayName: {}, AttrEmail: {}, AttrPhone: {}, AttrPassword: {}, AttrVisibility: {},
	AttrOccupation: {}, AttrWorkplace: {}, AttrAddress: {}, AttrPostalCode: {}, AttrTaxID: {},
}

// Canonical roles of the default table.
const (
	RoleAdmin      domain.Role = "ADMIN"
	RoleBackoffice domain.Role = "BACKOFFICE"
	RolePartner    domain.Role = "PARTNER"
	RoleEndUser    domain.Role = "ENDUSER"
)

// RoleTable is the external, swappable description of the hierarchy.
type RoleTable struct {
	// Roles is ordered from most to least privileged.
	Roles       []domain.Role             `yaml:"roles"`
	DefaultRole domain.Role               `yaml:"default_role"`
	Grants      map[domain.Role]RoleGrant `yaml:"grants"`
}

// RoleGrant lists what one acting role may do.
type RoleGrant struct {
	Rules []GrantRule `yaml:"rules"`
	Self  []Action    `yaml:"self"`
	// SelfAttributes are the fields a self update_attributes grant covers.
	SelfAttributes   []string              `yaml:"self_attributes"`
	AssignableRoles  []domain.Role         `yaml:"assignable_roles"`
	AssignableStates []domain.AccountState `yaml:"assignable_states"`
}

// GrantRule permits Actions against accounts holding any of Targets.
type GrantRule struct {
	Targets []domain.Role `yaml:"targets"`
	Actions []Action      `yaml:"actions"`
}

// DefaultRoleTable is the canonical ADMIN > BACKOFFICE > PARTNER > ENDUSER
// hierarchy.
func DefaultRoleTable() RoleTable {
	everyone := []domain.Role{RoleAdmin, RoleBackoffice, RolePartner, RoleEndUser}
	selfService := []Action{ActionUpdateAttributes, ActionRemove}
	profileOnly := []string{AttrPhone, AttrPassword, AttrVisibility, AttrOccupation, AttrWorkplace, AttrAddress, AttrPostalCode, AttrTaxID}
	everything := append([]string{AttrDisplayName, AttrEmail}, profileOnly...)
	return RoleTable{
		Roles:       everyone,
		DefaultRole: RoleEndUser,
		Grants: map[domain.Role]RoleGrant{
			RoleAdmin: {
				Rules: []GrantRule{{
					Targets: everyone,
					Actions: []Action{ActionChangeRole, ActionChangeState, ActionUpdateAttributes, ActionRemove, ActionView},
				}},
				Self:             selfService,
				SelfAttributes:   everything,
				AssignableRoles:  everyone,
				AssignableStates: []domain.AccountState{domain.AccountStateActive, domain.AccountStateInactive, domain.AccountStateSuspended},
			},
			RoleBackoffice: {
				Rules: []GrantRule{{
					Targets: []domain.Role{RolePartner, RoleEndUser},
					Actions: []Action{ActionChangeRole, ActionChangeState, ActionUpdateAttributes, ActionView},
				}},
				Self:             selfService,
				SelfAttributes:   everything,
				AssignableRoles:  []domain.Role{RolePartner, RoleEndUser},
				AssignableStates: []domain.AccountState{domain.AccountStateActive, domain.AccountStateInactive},
			},
			RolePartner: {
				Rules: []GrantRule{{
					Targets: []domain.Role{RoleEndUser},
					Actions: []Action{ActionView},
				}},
				Self:           selfService,
				SelfAttributes: everything,
			},
			RoleEndUser: {
				Self:           selfService,
				SelfAttributes: profileOnly,
			},
		},
	}
}

// LoadRoleTable reads a YAML role table from path.
func LoadRoleTable(path string) (RoleTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RoleTable{}, fmt.Errorf("read role table: %w", err)
	}
	return ParseRoleTable(raw)
}

// ParseRoleTable decodes a YAML role table. Role names are upper-cased.
func ParseRoleTable(raw []byte) (RoleTable, error) {
	var table RoleTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return RoleTable{}, fmt.Errorf("decode role table: %w", err)
	}
	return table.normalized(), nil
}

func (t RoleTable) normalized() RoleTable {
	out := RoleTable{
		Roles:       make([]domain.Role, 0, len(t.Roles)),
		DefaultRole: normalizeRole(t.DefaultRole),
		Grants:      make(map[domain.Role]RoleGrant, len(t.Grants)),
	}
	for _, r := range t.Roles {
		out.Roles = append(out.Roles, normalizeRole(r))
	}
	for role, g := range t.Grants {
		ng := RoleGrant{Self: g.Self}
		for _, attr := range g.SelfAttributes {
			ng.SelfAttributes = append(ng.SelfAttributes, strings.ToLower(strings.TrimSpace(attr)))
		}
		for _, rule := range g.Rules {
			nr := GrantRule{Actions: rule.Actions}
			for _, target := range rule.Targets {
				nr.Targets = append(nr.Targets, normalizeRole(target))
			}
			ng.Rules = append(ng.Rules, nr)
		}
		for _, r := range g.AssignableRoles {
			ng.AssignableRoles = append(ng.AssignableRoles, normalizeRole(r))
		}
		for _, s := range g.AssignableStates {
			ng.AssignableStates = append(ng.AssignableStates, domain.AccountState(strings.ToUpper(string(s))))
		}
		out.Grants[normalizeRole(role)] = ng
	}
	return out
}

func normalizeRole(r domain.Role) domain.Role {
	return domain.Role(strings.ToUpper(strings.TrimSpace(string(r))))
}

type actionSet map[Action]struct{}

func (s actionSet) has(a Action) bool {
	_, ok := s[a]
	return ok
}

// RoleHierarchy is the compiled, read-only form of a RoleTable. It is safe
// for concurrent use.
type RoleHierarchy struct {
	order       []domain.Role
	rank        map[domain.Role]int
	defaultRole domain.Role
	perms       map[domain.Role]map[domain.Role]actionSet
	self        map[domain.Role]actionSet
	selfAttrs   map[domain.Role]map[string]struct{}
	roles       map[domain.Role]map[domain.Role]struct{}
	states      map[domain.Role]map[domain.AccountState]struct{}
}

// NewRoleHierarchy validates and compiles table. Subordinate roles may only
// be granted power over roles strictly below them, and self grants may
// never include role or state changes.
func NewRoleHierarchy(table RoleTable) (*RoleHierarchy, error) {
	table = table.normalized()
	if len(table.Roles) == 0 {
		return nil, errors.New("role table: no roles defined")
	}

	h := &RoleHierarchy{
		order:     append([]domain.Role(nil), table.Roles...),
		rank:      make(map[domain.Role]int, len(table.Roles)),
		perms:     make(map[domain.Role]map[domain.Role]actionSet),
		self:      make(map[domain.Role]actionSet),
		selfAttrs: make(map[domain.Role]map[string]struct{}),
		roles:     make(map[domain.Role]map[domain.Role]struct{}),
		states:    make(map[domain.Role]map[domain.AccountState]struct{}),
	}
	for i, r := range table.Roles {
		if r == "" {
			return nil, errors.New("role table: empty role name")
		}
		if _, dup := h.rank[r]; dup {
			return nil, fmt.Errorf("role table: duplicate role %q", r)
		}
		h.rank[r] = i
	}

	h.defaultRole = table.DefaultRole
	if h.defaultRole == "" {
		h.defaultRole = table.Roles[len(table.Roles)-1]
	}
	if !h.IsValidRole(h.defaultRole) {
		return nil, fmt.Errorf("role table: default role %q is not defined", h.defaultRole)
	}

	for acting, grant := range table.Grants {
		actingRank, ok := h.rank[acting]
		if !ok {
			return nil, fmt.Errorf("role table: grant for unknown role %q", acting)
		}
		top := actingRank == 0

		targets := make(map[domain.Role]actionSet)
		for _, rule := range grant.Rules {
			for _, target := range rule.Targets {
				targetRank, ok := h.rank[target]
				if !ok {
					return nil, fmt.Errorf("role table: %s targets unknown role %q", acting, target)
				}
				if !top && targetRank <= actingRank {
					return nil, fmt.Errorf("role table: %s may only target roles below it, got %s", acting, target)
				}
				set := targets[target]
				if set == nil {
					set = make(actionSet)
					targets[target] = set
				}
				for _, a := range rule.Actions {
					if !a.valid() {
						return nil, fmt.Errorf("role table: unknown action %q", a)
					}
					set[a] = struct{}{}
				}
			}
		}
		h.perms[acting] = targets

		self := make(actionSet)
		for _, a := range grant.Self {
			if !a.valid() {
				return nil, fmt.Errorf("role table: unknown action %q", a)
			}
			if a == ActionChangeRole || a == ActionChangeState {
				return nil, fmt.Errorf("role table: %s may not grant %s on itself", acting, a)
			}
			self[a] = struct{}{}
		}
		h.self[acting] = self

		attrs := make(map[string]struct{})
		for _, attr := range grant.SelfAttributes {
			if _, ok := knownAttributes[attr]; !ok {
				return nil, fmt.Errorf("role table: %s lists unknown self attribute %q", acting, attr)
			}
			attrs[attr] = struct{}{}
		}
		h.selfAttrs[acting] = attrs

		assignable := make(map[domain.Role]struct{})
		for _, r := range grant.AssignableRoles {
			rRank, ok := h.rank[r]
			if !ok {
				return nil, fmt.Errorf("role table: %s may assign unknown role %q", acting, r)
			}
			if !top && rRank <= actingRank {
				return nil, fmt.Errorf("role table: %s may only assign roles below it, got %s", acting, r)
			}
			assignable[r] = struct{}{}
		}
		h.roles[acting] = assignable

		states := make(map[domain.AccountState]struct{})
		for _, s := range grant.AssignableStates {
			if !s.Valid() {
				return nil, fmt.Errorf("role table: %s may assign unknown state %q", acting, s)
			}
			states[s] = struct{}{}
		}
		h.states[acting] = states
	}

	return h, nil
}

// CanActOnRole reports whether acting may perform action on an account
// holding target. Self grants never cover role or state changes.
func (h *RoleHierarchy) CanActOnRole(acting, target domain.Role, action Action, isSelf bool) bool {
	if isSelf {
		if action == ActionChangeRole || action == ActionChangeState {
			return false
		}
		return h.self[acting].has(action)
	}
	return h.perms[acting][target].has(action)
}

// CanEditOwnAttribute reports whether acting may change attr on its own
// account. Without a self update_attributes grant nothing is editable.
func (h *RoleHierarchy) CanEditOwnAttribute(acting domain.Role, attr string) bool {
	if !h.self[acting].has(ActionUpdateAttributes) {
		return false
	}
	_, ok := h.selfAttrs[acting][attr]
	return ok
}

// IsValidRole reports whether candidate is defined by the table.
func (h *RoleHierarchy) IsValidRole(candidate domain.Role) bool {
	_, ok := h.rank[candidate]
	return ok
}

// ParseRole normalizes raw and reports whether it names a defined role.
func (h *RoleHierarchy) ParseRole(raw string) (domain.Role, bool) {
	r := normalizeRole(domain.Role(raw))
	return r, h.IsValidRole(r)
}

// IsValidTargetRoleForChange reports whether acting may assign candidate.
func (h *RoleHierarchy) IsValidTargetRoleForChange(acting, candidate domain.Role) bool {
	_, ok := h.roles[acting][candidate]
	return ok
}

// IsValidTargetStateForChange reports whether acting may move an account
// into candidate.
func (h *RoleHierarchy) IsValidTargetStateForChange(acting domain.Role, candidate domain.AccountState) bool {
	_, ok := h.states[acting][candidate]
	return ok
}

// DefaultRole is assigned at registration.
func (h *RoleHierarchy) DefaultRole() domain.Role {
	return h.defaultRole
}

// TopRole is the most privileged role.
func (h *RoleHierarchy) TopRole() domain.Role {
	return h.order[0]
}

// Roles returns the roles from most to least privileged.
func (h *RoleHierarchy) Roles() []domain.Role {
	return append([]domain.Role(nil), h.order...)
}

// Weaker returns the less privileged of a and b. An undefined role is
// treated as weaker than any defined one.
func (h *RoleHierarchy) Weaker(a, b domain.Role) domain.Role {
	ra, okA := h.rank[a]
	if !okA {
		return a
	}
	rb, okB := h.rank[b]
	if !okB {
		return b
	}
	if ra >= rb {
		return a
	}
	return b
}
