package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/events"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/repository"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

// AccountService runs the account lifecycle. Every operation is a single
// AccountStore transaction; input validation happens before it opens.
type AccountService struct {
	accounts   repository.AccountStore
	sessions   *SessionService
	authz      *auth.Authorizer
	hasher     *auth.PasswordHasher
	policy     auth.PasswordPolicy
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
	// decoyHash is verified against when the login identifier resolves to
	// no account, so both paths pay for one bcrypt comparison.
	decoyHash string
}

// AccountDependencies encapsulates collaborators for the account service.
type AccountDependencies struct {
	Accounts   repository.AccountStore
	Sessions   *SessionService
	Authorizer *auth.Authorizer
	Hasher     *auth.PasswordHasher
	Policy     auth.PasswordPolicy
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Account *domain.Account
	Token   *domain.SessionToken
}

// AccountView is an account as returned to other callers. Limited views
// carry only id, display name and email.
type AccountView struct {
	ID          string
	DisplayName string
	Email       string
	Phone       string
	Role        domain.Role
	State       domain.AccountState
	Visibility  domain.Visibility
	Profile     domain.Profile
	CreatedAt   time.Time
	Limited     bool
}

// NewAccountService builds the service.
func NewAccountService(deps AccountDependencies) *AccountService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	decoy, err := deps.Hasher.Hash(uuid.NewString())
	if err != nil {
		logger.Warn("decoy password hash unavailable", zap.Error(err))
	}
	return &AccountService{
		accounts:   deps.Accounts,
		sessions:   deps.Sessions,
		authz:      deps.Authorizer,
		hasher:     deps.Hasher,
		policy:     deps.Policy,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        now,
		decoyHash:  decoy,
	}
}

// Register creates an INACTIVE account with the lowest role and an empty
// stats record.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*domain.Account, error) {
	in.normalize()
	if err := in.validate(s.policy); err != nil {
		return nil, validationFailed(err)
	}
	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	now := s.now().UTC()
	account := &domain.Account{
		ID:           in.ID,
		DisplayName:  in.DisplayName,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: digest,
		Role:         s.authz.Roles().DefaultRole(),
		State:        domain.AccountStateInactive,
		Visibility:   in.Visibility,
		Profile:      in.Profile,
		CreatedAt:    now,
	}

	err = s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		if err := s.insertAccount(ctx, tx, account); err != nil {
			return err
		}
		return tx.PutStats(ctx, &domain.AccountStats{AccountID: account.ID, CreatedAt: now})
	})
	if err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("account registered", zap.String("account_id", account.ID))
	s.publish(ctx, events.New(events.EventAccountRegistered, account.ID, account.ID, now,
		events.AccountRegisteredPayload{Email: account.Email, Role: account.Role}))
	return account.Clone(), nil
}

func (s *AccountService) insertAccount(ctx context.Context, tx repository.AccountTx, account *domain.Account) error {
	if _, err := tx.Get(ctx, account.ID); err == nil {
		return apperrors.NewConflict("account id already registered", map[string]any{"id": account.ID})
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if _, err := tx.GetByEmail(ctx, account.Email); err == nil {
		return apperrors.NewConflict("email already registered", nil)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return tx.Insert(ctx, account)
}

type loginOutcome int

const (
	loginUnknownAccount loginOutcome = iota
	loginBadPassword
	loginInactive
	loginOK
)

// Login authenticates an identifier and password and issues a session.
// Unknown accounts and wrong passwords produce the same error. A wrong
// password is recorded against the account; a correct password on an
// account that is not ACTIVE changes nothing.
func (s *AccountService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	in.Identifier = strings.TrimSpace(in.Identifier)
	if err := in.validate(); err != nil {
		return nil, validationFailed(err)
	}

	var (
		outcome loginOutcome
		account *domain.Account
		stats   *domain.AccountStats
		token   *domain.SessionToken
	)
	now := s.now().UTC()

	err := s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		// Reset per attempt so a retried closure starts clean.
		outcome, account, stats, token = loginUnknownAccount, nil, nil, nil

		acc, err := s.resolveIdentifier(ctx, tx, in.Identifier)
		if errors.Is(err, repository.ErrNotFound) {
			s.hasher.Verify(in.Password, s.decoyHash)
			return nil
		}
		if err != nil {
			return err
		}
		account = acc

		st, err := tx.Stats(ctx, acc.ID)
		if errors.Is(err, repository.ErrNotFound) {
			st = &domain.AccountStats{AccountID: acc.ID, CreatedAt: now}
		} else if err != nil {
			return err
		}
		stats = st

		if !s.hasher.Verify(in.Password, acc.PasswordHash) {
			outcome = loginBadPassword
			st.FailedLogins++
			st.LastAttemptAt = &now
			return tx.PutStats(ctx, st)
		}
		if !acc.IsActive() {
			outcome = loginInactive
			return nil
		}

		outcome = loginOK
		st.SuccessfulLogins++
		st.FailedLogins = 0
		st.LastLoginAt = &now
		st.LastAttemptAt = &now
		if st.FirstLoginAt == nil {
			st.FirstLoginAt = &now
		}
		if err := tx.PutStats(ctx, st); err != nil {
			return err
		}

		tok, err := s.sessions.Prepare(acc.ID, acc.Role, in.Client.IP)
		if err != nil {
			return err
		}
		entry := &domain.AuditLogEntry{
			ID:        uuid.NewString(),
			AccountID: acc.ID,
			IP:        in.Client.IP,
			Host:      in.Client.Host,
			City:      in.Client.City,
			Country:   in.Client.Country,
			LatLon:    in.Client.LatLon,
			TokenHash: auth.TokenHash(tok.ID),
			LoggedAt:  now,
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		// The token is the last write; if the commit fails it is revoked below.
		if err := s.sessions.Persist(ctx, tok); err != nil {
			return err
		}
		token = tok
		return nil
	})
	if err != nil {
		if token != nil {
			if revokeErr := s.sessions.Revoke(context.WithoutCancel(ctx), token.ID); revokeErr != nil {
				s.logger.Error("revoke token after failed login commit",
					zap.String("account_id", token.AccountID), zap.Error(revokeErr))
			}
		}
		s.metrics.RecordLogin(observability.LoginFailed)
		return nil, storeError(err)
	}

	switch outcome {
	case loginUnknownAccount:
		s.metrics.RecordLogin(observability.LoginInvalidCredentials)
		return nil, apperrors.NewInvalidCredentials()
	case loginBadPassword:
		s.metrics.RecordLogin(observability.LoginInvalidCredentials)
		s.publish(ctx, events.New(events.EventLoginFailed, account.ID, "", now,
			events.LoginPayload{IP: in.Client.IP, FailedLogins: stats.FailedLogins}))
		return nil, apperrors.NewInvalidCredentials()
	case loginInactive:
		s.metrics.RecordLogin(observability.LoginNotActive)
		return nil, apperrors.NewAccountNotActive()
	}

	s.metrics.RecordLogin(observability.LoginSucceeded)
	s.logger.Info("login succeeded", zap.String("account_id", account.ID))
	s.publish(ctx, events.New(events.EventLoginSucceeded, account.ID, account.ID, now,
		events.LoginPayload{IP: in.Client.IP}))
	return &LoginResult{Account: account, Token: token}, nil
}

func (s *AccountService) resolveIdentifier(ctx context.Context, tx repository.AccountTx, identifier string) (*domain.Account, error) {
	if strings.Contains(identifier, "@") {
		return tx.GetByEmail(ctx, identifier)
	}
	return tx.Get(ctx, identifier)
}

// Logout revokes tokenID. It reports success whether or not the token
// existed.
func (s *AccountService) Logout(ctx context.Context, tokenID string) error {
	if err := s.sessions.Revoke(ctx, tokenID); err != nil {
		s.logger.Warn("logout revoke failed", zap.Error(err))
	}
	return nil
}

// ChangePassword replaces the caller's password after checking the current
// one against the stored hash read inside the transaction.
func (s *AccountService) ChangePassword(ctx context.Context, tokenID string, in ChangePasswordInput) error {
	if err := in.validate(s.policy); err != nil {
		return validationFailed(err)
	}
	principal, err := s.sessions.Validate(ctx, tokenID)
	if err != nil {
		return err
	}
	digest, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return apperrors.NewInternalError(err)
	}

	err = s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		actor, err := s.reloadActor(ctx, tx, principal)
		if err != nil {
			return err
		}
		acc := actor.Account
		if !s.hasher.Verify(in.CurrentPassword, acc.PasswordHash) {
			return apperrors.NewForbidden("current password does not match")
		}
		if s.hasher.Verify(in.NewPassword, acc.PasswordHash) {
			return apperrors.NewValidationError("new password must differ from the current one",
				map[string]any{"new_password": "same as current password"})
		}
		acc.PasswordHash = digest
		return tx.Update(ctx, acc)
	})
	if err != nil {
		return storeError(err)
	}

	s.publish(ctx, events.New(events.EventPasswordChanged, principal.Account.ID, principal.Account.ID, s.now().UTC(), nil))
	return nil
}

// ChangeRole assigns newRole to targetID.
func (s *AccountService) ChangeRole(ctx context.Context, tokenID, targetID, newRole string) (*domain.Account, error) {
	role, ok := s.authz.Roles().ParseRole(newRole)
	if !ok {
		return nil, apperrors.NewValidationError("unknown role", map[string]any{"role": newRole})
	}
	principal, err := s.sessions.Validate(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	var oldRole domain.Role
	updated, err := s.modifyTarget(ctx, principal, targetID, func(actor *auth.Principal, target *domain.Account) error {
		if err := s.checkRoleChange(actor, target, role); err != nil {
			return err
		}
		oldRole, target.Role = target.Role, role
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("role changed",
		zap.String("actor_id", principal.Account.ID),
		zap.String("account_id", updated.ID),
		zap.String("role", string(updated.Role)))
	s.publish(ctx, events.New(events.EventRoleChanged, updated.ID, principal.Account.ID, s.now().UTC(),
		events.RoleChangedPayload{OldRole: oldRole, NewRole: updated.Role}))
	return updated, nil
}

// ChangeState moves targetID into newState.
func (s *AccountService) ChangeState(ctx context.Context, tokenID, targetID, newState string) (*domain.Account, error) {
	state, ok := domain.ParseAccountState(newState)
	if !ok {
		return nil, apperrors.NewValidationError("unknown account state", map[string]any{"state": newState})
	}
	principal, err := s.sessions.Validate(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	var oldState domain.AccountState
	updated, err := s.modifyTarget(ctx, principal, targetID, func(actor *auth.Principal, target *domain.Account) error {
		if err := s.checkStateChange(actor, target, state); err != nil {
			return err
		}
		oldState, target.State = target.State, state
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("state changed",
		zap.String("actor_id", principal.Account.ID),
		zap.String("account_id", updated.ID),
		zap.String("state", string(updated.State)))
	s.publish(ctx, events.New(events.EventStateChanged, updated.ID, principal.Account.ID, s.now().UTC(),
		events.StateChangedPayload{OldState: oldState, NewState: updated.State}))
	return updated, nil
}

// UpdateAttributes applies a partial update to targetID. The caller needs
// the update_attributes grant on the target even when nothing changes; on
// its own account it may only touch the fields its role lists as
// self-editable. Role and state fields go through the same checks as
// ChangeRole and ChangeState. An authorized update that changes nothing
// succeeds without writing.
func (s *AccountService) UpdateAttributes(ctx context.Context, tokenID, targetID string, set AttributeSet) (*domain.Account, error) {
	set.normalize()
	if err := set.validate(s.policy); err != nil {
		return nil, validationFailed(err)
	}
	var (
		role  domain.Role
		state domain.AccountState
	)
	if set.Role != nil {
		r, ok := s.authz.Roles().ParseRole(*set.Role)
		if !ok {
			return nil, apperrors.NewValidationError("unknown role", map[string]any{"role": *set.Role})
		}
		role = r
	}
	if set.State != nil {
		st, ok := domain.ParseAccountState(*set.State)
		if !ok {
			return nil, apperrors.NewValidationError("unknown account state", map[string]any{"state": *set.State})
		}
		state = st
	}

	principal, err := s.sessions.Validate(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	var digest string
	if set.Password != nil {
		if digest, err = s.hasher.Hash(*set.Password); err != nil {
			return nil, apperrors.NewInternalError(err)
		}
	}

	var changed []string
	updated, err := s.modifyTarget(ctx, principal, targetID, func(actor *auth.Principal, target *domain.Account) error {
		changed = changed[:0]
		// Every check runs against the target as loaded, and before any
		// field is compared, so an empty or restating update still needs the
		// grant.
		original := target.Clone()
		if !s.authz.Authorize(actor, original, auth.ActionUpdateAttributes) {
			return apperrors.NewForbidden("not allowed to update this account")
		}
		if original.ID == actor.Account.ID {
			for _, field := range set.requestedFields() {
				if !s.authz.CanEditOwnAttribute(actor, field) {
					return apperrors.NewForbidden("not allowed to change own " + field)
				}
			}
		}
		if set.Role != nil && role != original.Role {
			if err := s.checkRoleChange(actor, original, role); err != nil {
				return err
			}
			target.Role = role
			changed = append(changed, "role")
		}
		if set.State != nil && state != original.State {
			if err := s.checkStateChange(actor, original, state); err != nil {
				return err
			}
			target.State = state
			changed = append(changed, "state")
		}

		profileFields := applyProfile(target, set)
		if set.Password != nil && !s.hasher.Verify(*set.Password, target.PasswordHash) {
			target.PasswordHash = digest
			profileFields = append(profileFields, auth.AttrPassword)
		}
		changed = append(changed, profileFields...)
		if len(changed) == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		s.publish(ctx, events.New(events.EventAttributesUpdated, updated.ID, principal.Account.ID, s.now().UTC(),
			events.AttributesUpdatedPayload{Fields: changed}))
	}
	return updated, nil
}

// applyProfile copies present, differing fields onto target and returns
// their names.
func applyProfile(target *domain.Account, set AttributeSet) []string {
	var fields []string
	assign := func(name string, dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			fields = append(fields, name)
		}
	}
	assign(auth.AttrDisplayName, &target.DisplayName, set.DisplayName)
	assign(auth.AttrEmail, &target.Email, set.Email)
	assign(auth.AttrPhone, &target.Phone, set.Phone)
	assign(auth.AttrOccupation, &target.Profile.Occupation, set.Occupation)
	assign(auth.AttrWorkplace, &target.Profile.Workplace, set.Workplace)
	assign(auth.AttrAddress, &target.Profile.Address, set.Address)
	assign(auth.AttrPostalCode, &target.Profile.PostalCode, set.PostalCode)
	assign(auth.AttrTaxID, &target.Profile.TaxID, set.TaxID)
	if set.Visibility != nil && target.Visibility != *set.Visibility {
		target.Visibility = *set.Visibility
		fields = append(fields, auth.AttrVisibility)
	}
	return fields
}

// checkRoleChange is the single gate for role changes, shared by ChangeRole
// and UpdateAttributes.
func (s *AccountService) checkRoleChange(actor *auth.Principal, target *domain.Account, role domain.Role) error {
	if !s.authz.Authorize(actor, target, auth.ActionChangeRole) {
		return apperrors.NewForbidden("not allowed to change this account's role")
	}
	if !s.authz.CanAssignRole(actor, role) {
		return apperrors.NewForbidden("not allowed to assign role " + string(role))
	}
	return nil
}

// checkStateChange is the single gate for state changes.
func (s *AccountService) checkStateChange(actor *auth.Principal, target *domain.Account, state domain.AccountState) error {
	if !s.authz.Authorize(actor, target, auth.ActionChangeState) {
		return apperrors.NewForbidden("not allowed to change this account's state")
	}
	if !s.authz.CanAssignState(actor, state) {
		return apperrors.NewForbidden("not allowed to assign state " + string(state))
	}
	return nil
}

// errNoChange aborts a modification whose mutate step found nothing to do.
var errNoChange = errors.New("no change")

// modifyTarget loads the actor and the target inside one transaction, lets
// mutate edit the target and writes it back.
func (s *AccountService) modifyTarget(ctx context.Context, principal *auth.Principal, targetID string,
	mutate func(actor *auth.Principal, target *domain.Account) error) (*domain.Account, error) {
	var result *domain.Account
	err := s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		actor, err := s.reloadActor(ctx, tx, principal)
		if err != nil {
			return err
		}
		target, err := s.loadTarget(ctx, tx, actor, targetID)
		if err != nil {
			return err
		}
		if err := mutate(actor, target); err != nil {
			if errors.Is(err, errNoChange) {
				result = target
			}
			return err
		}
		if err := tx.Update(ctx, target); err != nil {
			return err
		}
		result = target
		return nil
	})
	if errors.Is(err, errNoChange) {
		return result, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return result, nil
}

// Remove deletes targetID with its stats and audit log. Removing oneself
// revokes the acting token as the last write of the transaction and puts it
// back if the deletion does not commit; every other token of the removed
// account is revoked afterwards.
func (s *AccountService) Remove(ctx context.Context, tokenID, targetID string) error {
	principal, err := s.sessions.Validate(ctx, tokenID)
	if err != nil {
		return err
	}

	revoked := false
	err = s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		revoked = false
		actor, err := s.reloadActor(ctx, tx, principal)
		if err != nil {
			return err
		}
		target, err := s.loadTarget(ctx, tx, actor, targetID)
		if err != nil {
			return err
		}
		if !s.authz.Authorize(actor, target, auth.ActionRemove) {
			return apperrors.NewForbidden("not allowed to remove this account")
		}
		if err := tx.Delete(ctx, target.ID); err != nil {
			return err
		}
		if target.ID == actor.Account.ID {
			if err := s.sessions.Revoke(ctx, principal.Token.ID); err != nil {
				return err
			}
			revoked = true
		}
		return nil
	})
	if err != nil {
		if revoked {
			if restoreErr := s.sessions.Persist(context.WithoutCancel(ctx), principal.Token); restoreErr != nil {
				s.logger.Error("restore token after failed removal commit",
					zap.String("account_id", principal.Account.ID), zap.Error(restoreErr))
			}
		}
		return storeError(err)
	}

	if err := s.sessions.RevokeAll(ctx, targetID); err != nil {
		s.logger.Error("revoke sessions of removed account",
			zap.String("account_id", targetID), zap.Error(err))
	}
	s.logger.Info("account removed",
		zap.String("actor_id", principal.Account.ID),
		zap.String("account_id", targetID))
	s.publish(ctx, events.New(events.EventAccountRemoved, targetID, principal.Account.ID, s.now().UTC(), nil))
	return nil
}

// PageRequest selects one page of a listing. Pages start at 1.
type PageRequest struct {
	Page     int
	PageSize int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (p PageRequest) window() (page, size int) {
	page, size = p.Page, p.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

// AccountPage is one page of ListAccounts. HasMore is set while later pages
// hold further accounts.
type AccountPage struct {
	Items    []AccountView
	Page     int
	PageSize int
	Total    int
	HasMore  bool
}

// ListAccounts returns the full record of every account whose role the
// caller holds a view grant on, followed by a limited view of PUBLIC,
// ACTIVE peers of the caller's own role, one page at a time.
func (s *AccountService) ListAccounts(ctx context.Context, tokenID string, req PageRequest) (*AccountPage, error) {
	principal, err := s.sessions.Validate(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	var views []AccountView
	err = s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		views = nil
		actor, err := s.reloadActor(ctx, tx, principal)
		if err != nil {
			return err
		}
		if !actor.Account.IsActive() {
			return apperrors.NewForbidden("account is not active")
		}

		roles := s.authz.Roles()
		effective := s.authz.EffectiveRole(actor)
		var viewable []domain.Role
		for _, r := range roles.Roles() {
			if roles.CanActOnRole(effective, r, auth.ActionView, false) {
				viewable = append(viewable, r)
			}
		}

		seen := make(map[string]struct{})
		if len(viewable) > 0 {
			full, err := tx.List(ctx, repository.AccountFilter{Roles: viewable})
			if err != nil {
				return err
			}
			for i := range full {
				seen[full[i].ID] = struct{}{}
				views = append(views, fullView(&full[i]))
			}
		}

		active, public := domain.AccountStateActive, domain.VisibilityPublic
		peers, err := tx.List(ctx, repository.AccountFilter{
			Roles:      []domain.Role{effective},
			State:      &active,
			Visibility: &public,
		})
		if err != nil {
			return err
		}
		for i := range peers {
			if _, dup := seen[peers[i].ID]; dup {
				continue
			}
			views = append(views, AccountView{
				ID:          peers[i].ID,
				DisplayName: peers[i].DisplayName,
				Email:       peers[i].Email,
				Limited:     true,
			})
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err)
	}

	page, size := req.window()
	out := &AccountPage{Items: []AccountView{}, Page: page, PageSize: size, Total: len(views)}
	start := (page - 1) * size
	if start < 0 || start >= len(views) {
		return out, nil
	}
	end := start + size
	if end > len(views) {
		end = len(views)
	}
	out.Items = views[start:end]
	out.HasMore = end < len(views)
	return out, nil
}

func fullView(a *domain.Account) AccountView {
	return AccountView{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Email:       a.Email,
		Phone:       a.Phone,
		Role:        a.Role,
		State:       a.State,
		Visibility:  a.Visibility,
		Profile:     a.Profile,
		CreatedAt:   a.CreatedAt,
	}
}

// EnsureAdmin creates an ACTIVE top-role account when in.ID does not exist.
// It reports whether an account was created.
func (s *AccountService) EnsureAdmin(ctx context.Context, in BootstrapAdmin) (bool, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Email = domain.NormalizeEmail(in.Email)
	if err := in.validate(s.policy); err != nil {
		return false, validationFailed(err)
	}
	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return false, apperrors.NewInternalError(err)
	}

	now := s.now().UTC()
	created := false
	err = s.accounts.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		created = false
		if _, err := tx.Get(ctx, in.ID); err == nil {
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		admin := &domain.Account{
			ID:           in.ID,
			DisplayName:  in.ID,
			Email:        in.Email,
			PasswordHash: digest,
			Role:         s.authz.Roles().TopRole(),
			State:        domain.AccountStateActive,
			Visibility:   domain.VisibilityPrivate,
			CreatedAt:    now,
		}
		if err := s.insertAccount(ctx, tx, admin); err != nil {
			return err
		}
		created = true
		return tx.PutStats(ctx, &domain.AccountStats{AccountID: admin.ID, CreatedAt: now})
	})
	if err != nil {
		return false, storeError(err)
	}
	if created {
		s.logger.Info("bootstrap administrator created", zap.String("account_id", in.ID))
	}
	return created, nil
}

// reloadActor re-reads the caller's account inside the transaction so
// decisions never rest on the copy loaded during token validation.
func (s *AccountService) reloadActor(ctx context.Context, tx repository.AccountTx, principal *auth.Principal) (*auth.Principal, error) {
	acc, err := tx.Get(ctx, principal.Account.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("account", map[string]any{"id": principal.Account.ID})
	}
	if err != nil {
		return nil, err
	}
	return &auth.Principal{Token: principal.Token, Account: acc}, nil
}

func (s *AccountService) loadTarget(ctx context.Context, tx repository.AccountTx, actor *auth.Principal, targetID string) (*domain.Account, error) {
	if targetID == actor.Account.ID {
		return actor.Account.Clone(), nil
	}
	target, err := tx.Get(ctx, targetID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("account", map[string]any{"id": targetID})
	}
	return target, err
}

func (s *AccountService) publish(ctx context.Context, evt events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, evt); err != nil {
		s.logger.Warn("event handler failed",
			zap.String("event_type", string(evt.Type)),
			zap.String("account_id", evt.AccountID),
			zap.Error(err))
	}
}

// storeError passes domain errors through and classifies store failures.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, repository.ErrConflict) {
		return apperrors.NewConflict("the account was modified concurrently; retry the request", nil)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewNotFound("account", nil)
	}
	return apperrors.NewInternalError(err)
}
