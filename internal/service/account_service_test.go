package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/events"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/repository"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

func strPtr(s string) *string { return &s }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.CodeOf(err), "error: %v", err)
}

func TestRegisterCreatesInactiveAccountWithLowestRole(t *testing.T) {
	h := newHarness(t)

	acc, err := h.svc.Register(context.Background(), RegisterInput{
		ID:          "alice",
		DisplayName: "Alice",
		Email:       " Alice@Example.COM ",
		Password:    testPassword,
	})
	require.NoError(t, err)

	assert.Equal(t, auth.RoleEndUser, acc.Role)
	assert.Equal(t, domain.AccountStateInactive, acc.State)
	assert.Equal(t, domain.VisibilityPublic, acc.Visibility)
	assert.Equal(t, "alice@example.com", acc.Email)
	assert.NotEqual(t, testPassword, acc.PasswordHash)

	st := h.stats(t, "alice")
	assert.Zero(t, st.SuccessfulLogins)
	assert.Zero(t, st.FailedLogins)
	assert.Nil(t, st.LastLoginAt)
	assert.Len(t, h.events.ofType(events.EventAccountRegistered), 1)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")

	_, err := h.svc.Register(context.Background(), RegisterInput{
		ID: "alice", Email: "other@example.com", Password: testPassword,
	})
	requireCode(t, err, apperrors.CodeConflict)

	_, err = h.svc.Register(context.Background(), RegisterInput{
		ID: "alice2", Email: "ALICE@example.com", Password: testPassword,
	})
	requireCode(t, err, apperrors.CodeConflict)

	_, err = h.account(t, "alice2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRegisterValidatesInput(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"missing id", RegisterInput{Email: "a@example.com", Password: testPassword}, "id"},
		{"bad email", RegisterInput{ID: "bob", Email: "not-an-email", Password: testPassword}, "email"},
		{"weak password", RegisterInput{ID: "bob", Email: "bob@example.com", Password: "short"}, "password"},
		{"bad visibility", RegisterInput{ID: "bob", Email: "bob@example.com", Password: testPassword, Visibility: "hidden"}, "visibility"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Register(context.Background(), tc.in)
			requireCode(t, err, apperrors.CodeValidation)
			domainErr := apperrors.ToDomainError(err)
			assert.Contains(t, domainErr.Details, tc.field)
		})
	}
}

func TestLoginScenario(t *testing.T) {
	h := newHarness(t)
	adminToken := h.activeUser(t, "root", auth.RoleAdmin)
	h.register(t, "alice")

	_, err := h.svc.Login(context.Background(), LoginInput{Identifier: "alice@example.com", Password: testPassword})
	requireCode(t, err, apperrors.CodeAccountNotActive)

	_, err = h.svc.ChangeState(context.Background(), adminToken, "alice", "active")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	res, err := h.svc.Login(context.Background(), LoginInput{
		Identifier: "ALICE@example.com",
		Password:   testPassword,
		Client:     ClientInfo{IP: "203.0.113.9", Host: "id.example.com", City: "Lisbon", Country: "PT", LatLon: "38.7,-9.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Account.ID)
	assert.Equal(t, auth.RoleEndUser, res.Token.RoleSnapshot)
	assert.Equal(t, h.clock.Now().Add(2*time.Hour), res.Token.ExpiresAt)
	assert.Equal(t, "203.0.113.9", res.Token.CreationIP)

	st := h.stats(t, "alice")
	assert.EqualValues(t, 1, st.SuccessfulLogins)
	require.NotNil(t, st.FirstLoginAt)
	require.NotNil(t, st.LastLoginAt)
	assert.Equal(t, h.clock.Now(), *st.LastLoginAt)

	audit := h.auditLog(t, "alice")
	require.Len(t, audit, 1)
	assert.Equal(t, auth.TokenHash(res.Token.ID), audit[0].TokenHash)
	assert.NotEqual(t, res.Token.ID, audit[0].TokenHash)
	assert.Equal(t, "Lisbon", audit[0].City)

	principal, err := h.sessions.Validate(context.Background(), res.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Account.ID)

	// Each login is an independent session.
	second := h.login(t, "alice")
	assert.NotEqual(t, res.Token.ID, second)
	_, err = h.sessions.Validate(context.Background(), res.Token.ID)
	assert.NoError(t, err)

	assert.EqualValues(t, 3, h.metrics.Snapshot().Logins[observability.LoginSucceeded])
}

func TestLoginWrongPasswordIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "bob", auth.RoleEndUser, domain.AccountStateActive)

	for i := 0; i < 2; i++ {
		_, err := h.svc.Login(context.Background(), LoginInput{Identifier: "bob", Password: "Wrong1234"})
		requireCode(t, err, apperrors.CodeInvalidCredentials)
	}

	st := h.stats(t, "bob")
	assert.EqualValues(t, 2, st.FailedLogins)
	assert.Zero(t, st.SuccessfulLogins)
	require.NotNil(t, st.LastAttemptAt)
	assert.Empty(t, h.auditLog(t, "bob"))
	assert.Len(t, h.events.ofType(events.EventLoginFailed), 2)

	h.login(t, "bob")
	st = h.stats(t, "bob")
	assert.Zero(t, st.FailedLogins)
	assert.EqualValues(t, 1, st.SuccessfulLogins)
}

func TestLoginUnknownAccountLooksLikeWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "bob", auth.RoleEndUser, domain.AccountStateActive)

	_, unknownErr := h.svc.Login(context.Background(), LoginInput{Identifier: "nobody@example.com", Password: testPassword})
	_, wrongErr := h.svc.Login(context.Background(), LoginInput{Identifier: "bob", Password: "Wrong1234"})

	requireCode(t, unknownErr, apperrors.CodeInvalidCredentials)
	requireCode(t, wrongErr, apperrors.CodeInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestLoginNotActiveWithCorrectPasswordWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "sam", auth.RoleEndUser, domain.AccountStateSuspended)

	_, err := h.svc.Login(context.Background(), LoginInput{Identifier: "sam", Password: testPassword})
	requireCode(t, err, apperrors.CodeAccountNotActive)

	st := h.stats(t, "sam")
	assert.Zero(t, st.FailedLogins)
	assert.Zero(t, st.SuccessfulLogins)
	assert.Nil(t, st.LastAttemptAt)
	assert.Empty(t, h.auditLog(t, "sam"))
}

func TestLoginRevokesTokenWhenCommitFails(t *testing.T) {
	failing := &failingCommitStore{}
	recorder := &recordingTokenStore{}
	h := newHarness(t,
		withAccountStore(func(inner repository.AccountStore) repository.AccountStore {
			failing.AccountStore = inner
			return failing
		}),
		withTokenStore(func(inner repository.TokenStore) repository.TokenStore {
			recorder.TokenStore = inner
			return recorder
		}),
	)
	h.seedAccount(t, "carol", auth.RoleEndUser, domain.AccountStateActive)
	failing.arm()

	_, err := h.svc.Login(context.Background(), LoginInput{Identifier: "carol", Password: testPassword})
	requireCode(t, err, apperrors.CodeConflict)

	require.Len(t, recorder.ids, 1)
	_, err = h.tokens.Get(context.Background(), recorder.ids[0])
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Zero(t, h.stats(t, "carol").SuccessfulLogins)
	assert.Empty(t, h.auditLog(t, "carol"))
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	token := h.activeUser(t, "dave", auth.RoleEndUser)

	require.NoError(t, h.svc.Logout(context.Background(), token))
	_, err := h.sessions.Validate(context.Background(), token)
	requireCode(t, err, apperrors.CodeUnauthorized)

	assert.NoError(t, h.svc.Logout(context.Background(), token))
	assert.NoError(t, h.svc.Logout(context.Background(), "never-issued"))
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	token := h.activeUser(t, "erin", auth.RoleEndUser)
	ctx := context.Background()

	err := h.svc.ChangePassword(ctx, token, ChangePasswordInput{CurrentPassword: "Wrong1234", NewPassword: "Fresh4567"})
	requireCode(t, err, apperrors.CodeForbidden)

	before, err := h.account(t, "erin")
	require.NoError(t, err)
	err = h.svc.ChangePassword(ctx, token, ChangePasswordInput{CurrentPassword: testPassword, NewPassword: testPassword})
	requireCode(t, err, apperrors.CodeValidation)
	after, err := h.account(t, "erin")
	require.NoError(t, err)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
	assert.Empty(t, h.events.ofType(events.EventPasswordChanged))

	err = h.svc.ChangePassword(ctx, token, ChangePasswordInput{CurrentPassword: testPassword, NewPassword: "weak"})
	requireCode(t, err, apperrors.CodeValidation)

	require.NoError(t, h.svc.ChangePassword(ctx, token, ChangePasswordInput{CurrentPassword: testPassword, NewPassword: "Fresh4567"}))

	_, err = h.svc.Login(ctx, LoginInput{Identifier: "erin", Password: testPassword})
	requireCode(t, err, apperrors.CodeInvalidCredentials)
	_, err = h.svc.Login(ctx, LoginInput{Identifier: "erin", Password: "Fresh4567"})
	assert.NoError(t, err)

	err = h.svc.ChangePassword(ctx, "bogus", ChangePasswordInput{CurrentPassword: "Fresh4567", NewPassword: "Other4567"})
	requireCode(t, err, apperrors.CodeUnauthorized)
}

func TestSelfRoleAndStateChangesAreDenied(t *testing.T) {
	h := newHarness(t)
	token := h.activeUser(t, "root", auth.RoleAdmin)
	ctx := context.Background()

	_, err := h.svc.ChangeRole(ctx, token, "root", string(auth.RoleEndUser))
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.ChangeState(ctx, token, "root", string(domain.AccountStateSuspended))
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.UpdateAttributes(ctx, token, "root", AttributeSet{Role: strPtr("ENDUSER")})
	requireCode(t, err, apperrors.CodeForbidden)

	acc, err := h.account(t, "root")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, acc.Role)
	assert.Equal(t, domain.AccountStateActive, acc.State)
}

func TestChangeRoleFollowsHierarchy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAccount(t, "root", auth.RoleAdmin, domain.AccountStateActive)
	bo := h.activeUser(t, "bo", auth.RoleBackoffice)
	h.seedAccount(t, "pat", auth.RolePartner, domain.AccountStateActive)

	_, err := h.svc.ChangeRole(ctx, bo, "pat", "ADMIN")
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.ChangeRole(ctx, bo, "pat", "BACKOFFICE")
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.ChangeRole(ctx, bo, "root", "ENDUSER")
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.ChangeState(ctx, bo, "pat", "SUSPENDED")
	requireCode(t, err, apperrors.CodeForbidden)

	updated, err := h.svc.ChangeRole(ctx, bo, "pat", "enduser")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleEndUser, updated.Role)

	evts := h.events.ofType(events.EventRoleChanged)
	require.Len(t, evts, 1)
	assert.Equal(t, events.RoleChangedPayload{OldRole: auth.RolePartner, NewRole: auth.RoleEndUser}, evts[0].Payload)
	assert.Equal(t, "bo", evts[0].ActorID)
}

func TestChangeRoleRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	token := h.activeUser(t, "root", auth.RoleAdmin)
	ctx := context.Background()

	_, err := h.svc.ChangeRole(ctx, token, "root", "SUPERUSER")
	requireCode(t, err, apperrors.CodeValidation)
	_, err = h.svc.ChangeState(ctx, token, "root", "DORMANT")
	requireCode(t, err, apperrors.CodeValidation)
	_, err = h.svc.ChangeRole(ctx, token, "ghost", "PARTNER")
	requireCode(t, err, apperrors.CodeNotFound)
	_, err = h.svc.ChangeRole(ctx, "", "root", "PARTNER")
	requireCode(t, err, apperrors.CodeUnauthorized)
}

func TestDemotionAppliesToLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.activeUser(t, "root", auth.RoleAdmin)
	second := h.activeUser(t, "second", auth.RoleAdmin)
	h.seedAccount(t, "eve", auth.RoleEndUser, domain.AccountStateActive)

	_, err := h.svc.ChangeRole(ctx, root, "second", "ENDUSER")
	require.NoError(t, err)

	// The token still carries an ADMIN snapshot but the weaker current role wins.
	_, err = h.svc.ChangeState(ctx, second, "eve", "SUSPENDED")
	requireCode(t, err, apperrors.CodeForbidden)
}

func TestInactiveActorIsDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.activeUser(t, "root", auth.RoleAdmin)
	second := h.activeUser(t, "second", auth.RoleAdmin)
	h.seedAccount(t, "eve", auth.RoleEndUser, domain.AccountStateActive)

	_, err := h.svc.ChangeState(ctx, root, "second", "SUSPENDED")
	require.NoError(t, err)

	_, err = h.svc.ChangeRole(ctx, second, "eve", "PARTNER")
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.ListAccounts(ctx, second, PageRequest{})
	requireCode(t, err, apperrors.CodeForbidden)
}

func TestConcurrentAdminsDemotingEachOther(t *testing.T) {
	gate := &barrierStore{barrier: newCyclicBarrier(2)}
	h := newHarness(t, withAccountStore(func(inner repository.AccountStore) repository.AccountStore {
		gate.AccountStore = inner
		return gate
	}))
	first := h.activeUser(t, "first", auth.RoleAdmin)
	second := h.activeUser(t, "second", auth.RoleAdmin)
	gate.arm()

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = h.svc.ChangeRole(context.Background(), first, "second", "ENDUSER")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = h.svc.ChangeRole(context.Background(), second, "first", "ENDUSER")
	}()
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
	}
	assert.Equal(t, 1, succeeded)

	a, err := h.account(t, "first")
	require.NoError(t, err)
	b, err := h.account(t, "second")
	require.NoError(t, err)
	admins := 0
	for _, acc := range []*domain.Account{a, b} {
		if acc.Role == auth.RoleAdmin {
			admins++
		}
	}
	assert.Equal(t, 1, admins)
}

func TestUpdateAttributesMatchesDedicatedOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bo := h.activeUser(t, "bo", auth.RoleBackoffice)
	pat := h.activeUser(t, "pat", auth.RolePartner)
	h.seedAccount(t, "eve", auth.RoleEndUser, domain.AccountStateActive)

	_, viaUpdate := h.svc.UpdateAttributes(ctx, bo, "pat", AttributeSet{Role: strPtr("ADMIN")})
	_, viaChange := h.svc.ChangeRole(ctx, bo, "pat", "ADMIN")
	requireCode(t, viaUpdate, apperrors.CodeForbidden)
	requireCode(t, viaChange, apperrors.CodeForbidden)

	_, viaUpdate = h.svc.UpdateAttributes(ctx, pat, "pat", AttributeSet{State: strPtr("SUSPENDED")})
	_, viaChange = h.svc.ChangeState(ctx, pat, "pat", "SUSPENDED")
	requireCode(t, viaUpdate, apperrors.CodeForbidden)
	requireCode(t, viaChange, apperrors.CodeForbidden)

	// A rejected role change must not let the rest of the update through.
	_, err := h.svc.UpdateAttributes(ctx, bo, "pat", AttributeSet{Role: strPtr("ADMIN"), DisplayName: strPtr("Hacked")})
	requireCode(t, err, apperrors.CodeForbidden)
	acc, err := h.account(t, "pat")
	require.NoError(t, err)
	assert.Equal(t, "User pat", acc.DisplayName)

	updated, err := h.svc.UpdateAttributes(ctx, bo, "pat", AttributeSet{Role: strPtr("enduser"), Occupation: strPtr("Baker")})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleEndUser, updated.Role)
	assert.Equal(t, "Baker", updated.Profile.Occupation)

	evts := h.events.ofType(events.EventAttributesUpdated)
	require.Len(t, evts, 1)
	assert.ElementsMatch(t, []string{"role", "occupation"}, evts[0].Payload.(events.AttributesUpdatedPayload).Fields)
}

func TestUpdateAttributesWithoutChangesSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pat := h.activeUser(t, "pat", auth.RolePartner)

	// Restating the current role is not a role change, so self-denial does not apply.
	acc, err := h.svc.UpdateAttributes(ctx, pat, "pat", AttributeSet{Role: strPtr("PARTNER"), DisplayName: strPtr("User pat")})
	require.NoError(t, err)
	assert.Equal(t, auth.RolePartner, acc.Role)

	_, err = h.svc.UpdateAttributes(ctx, pat, "pat", AttributeSet{})
	require.NoError(t, err)
	assert.Empty(t, h.events.ofType(events.EventAttributesUpdated))
}

func TestUpdateAttributesAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eve := h.activeUser(t, "eve", auth.RoleEndUser)
	pat := h.activeUser(t, "pat", auth.RolePartner)
	h.seedAccount(t, "frank", auth.RoleEndUser, domain.AccountStateActive)

	_, err := h.svc.UpdateAttributes(ctx, eve, "frank", AttributeSet{DisplayName: strPtr("Mallory")})
	requireCode(t, err, apperrors.CodeForbidden)

	_, err = h.svc.UpdateAttributes(ctx, pat, "pat", AttributeSet{Email: strPtr("frank@example.com")})
	requireCode(t, err, apperrors.CodeConflict)

	updated, err := h.svc.UpdateAttributes(ctx, pat, "pat", AttributeSet{
		Email:      strPtr(" Pat.New@Example.com"),
		Visibility: (*domain.Visibility)(strPtr("private")),
		Password:   strPtr("Brand9new"),
	})
	require.NoError(t, err)
	assert.Equal(t, "pat.new@example.com", updated.Email)
	assert.Equal(t, domain.VisibilityPrivate, updated.Visibility)

	_, err = h.svc.Login(ctx, LoginInput{Identifier: "pat.new@example.com", Password: "Brand9new"})
	assert.NoError(t, err)

	_, err = h.svc.UpdateAttributes(ctx, pat, "pat", AttributeSet{Email: strPtr("broken")})
	requireCode(t, err, apperrors.CodeValidation)
}

func TestUpdateAttributesWithoutChangesStillNeedsGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eve := h.activeUser(t, "eve", auth.RoleEndUser)
	h.seedAccount(t, "admin1", auth.RoleAdmin, domain.AccountStateActive)

	for name, set := range map[string]AttributeSet{
		"empty":            {},
		"restated role":    {Role: strPtr("ADMIN")},
		"restated state":   {State: strPtr("ACTIVE")},
		"restated profile": {DisplayName: strPtr("User admin1")},
	} {
		acc, err := h.svc.UpdateAttributes(ctx, eve, "admin1", set)
		requireCode(t, err, apperrors.CodeForbidden)
		assert.Nil(t, acc, name)
	}

	_, err := h.svc.UpdateAttributes(ctx, eve, "ghost", AttributeSet{})
	requireCode(t, err, apperrors.CodeNotFound)
	assert.Empty(t, h.events.ofType(events.EventAttributesUpdated))
}

func TestSelfEditableAttributesFollowRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eve := h.activeUser(t, "eve", auth.RoleEndUser)
	pat := h.activeUser(t, "pat", auth.RolePartner)

	_, err := h.svc.UpdateAttributes(ctx, eve, "eve", AttributeSet{Email: strPtr("eve.new@example.com")})
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.svc.UpdateAttributes(ctx, eve, "eve", AttributeSet{DisplayName: strPtr("Evelyn")})
	requireCode(t, err, apperrors.CodeForbidden)
	// A forbidden field rejects the whole update.
	_, err = h.svc.UpdateAttributes(ctx, eve, "eve", AttributeSet{Phone: strPtr("555-0100"), Email: strPtr("eve.new@example.com")})
	requireCode(t, err, apperrors.CodeForbidden)

	acc, err := h.account(t, "eve")
	require.NoError(t, err)
	assert.Equal(t, "eve@example.com", acc.Email)
	assert.Equal(t, "User eve", acc.DisplayName)
	assert.Empty(t, acc.Phone)

	updated, err := h.svc.UpdateAttributes(ctx, eve, "eve", AttributeSet{
		Phone:    strPtr("555-0100"),
		Address:  strPtr("1 Main St"),
		Password: strPtr("Brand9new"),
	})
	require.NoError(t, err)
	assert.Equal(t, "555-0100", updated.Phone)
	assert.Equal(t, "1 Main St", updated.Profile.Address)

	updated, err = h.svc.UpdateAttributes(ctx, pat, "pat", AttributeSet{DisplayName: strPtr("Patricia")})
	require.NoError(t, err)
	assert.Equal(t, "Patricia", updated.DisplayName)

	// Privileged roles still edit an end user's identity fields.
	root := h.activeUser(t, "root", auth.RoleAdmin)
	updated, err = h.svc.UpdateAttributes(ctx, root, "eve", AttributeSet{Email: strPtr("eve.new@example.com")})
	require.NoError(t, err)
	assert.Equal(t, "eve.new@example.com", updated.Email)
}

func TestRemoveSelfInvalidatesToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.activeUser(t, "gina", auth.RoleEndUser)
	other := h.login(t, "gina")

	require.NoError(t, h.svc.Remove(ctx, token, "gina"))

	_, err := h.account(t, "gina")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = h.sessions.Validate(ctx, token)
	requireCode(t, err, apperrors.CodeUnauthorized)
	_, err = h.sessions.Validate(ctx, other)
	requireCode(t, err, apperrors.CodeUnauthorized)

	// Removal is permanent deletion, so the id and email become free again.
	h.register(t, "gina")
	assert.Zero(t, h.stats(t, "gina").SuccessfulLogins)
	assert.Empty(t, h.auditLog(t, "gina"))
}

func TestRemoveSelfRestoresTokenWhenCommitFails(t *testing.T) {
	failing := &failingCommitStore{}
	h := newHarness(t, withAccountStore(func(inner repository.AccountStore) repository.AccountStore {
		failing.AccountStore = inner
		return failing
	}))
	ctx := context.Background()
	token := h.activeUser(t, "gina", auth.RoleEndUser)
	failing.arm()

	err := h.svc.Remove(ctx, token, "gina")
	requireCode(t, err, apperrors.CodeConflict)

	_, err = h.account(t, "gina")
	require.NoError(t, err)
	principal, err := h.sessions.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "gina", principal.Account.ID)
	assert.Empty(t, h.events.ofType(events.EventAccountRemoved))
}

func TestRemoveOtherAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.activeUser(t, "root", auth.RoleAdmin)
	bo := h.activeUser(t, "bo", auth.RoleBackoffice)
	victimToken := h.activeUser(t, "pat", auth.RolePartner)

	err := h.svc.Remove(ctx, bo, "pat")
	requireCode(t, err, apperrors.CodeForbidden)
	err = h.svc.Remove(ctx, root, "ghost")
	requireCode(t, err, apperrors.CodeNotFound)

	require.NoError(t, h.svc.Remove(ctx, root, "pat"))
	_, err = h.sessions.Validate(ctx, victimToken)
	requireCode(t, err, apperrors.CodeUnauthorized)
	assert.Len(t, h.events.ofType(events.EventAccountRemoved), 1)
}

func TestListAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.activeUser(t, "root", auth.RoleAdmin)
	pat := h.activeUser(t, "pat", auth.RolePartner)
	eve := h.activeUser(t, "eve", auth.RoleEndUser)
	hidden := h.activeUser(t, "hidden", auth.RoleEndUser)
	h.seedAccount(t, "frank", auth.RoleEndUser, domain.AccountStateActive)
	h.seedAccount(t, "idle", auth.RoleEndUser, domain.AccountStateInactive)

	private := domain.VisibilityPrivate
	_, err := h.svc.UpdateAttributes(ctx, hidden, "hidden", AttributeSet{Visibility: &private})
	require.NoError(t, err)

	byID := func(views []AccountView) map[string]AccountView {
		out := make(map[string]AccountView, len(views))
		for _, v := range views {
			out[v.ID] = v
		}
		return out
	}

	all, err := h.svc.ListAccounts(ctx, root, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)
	assert.False(t, all.HasMore)
	rootView := byID(all.Items)
	assert.Len(t, rootView, 6)
	for _, v := range rootView {
		assert.False(t, v.Limited, v.ID)
	}

	endView, err := h.svc.ListAccounts(ctx, eve, PageRequest{})
	require.NoError(t, err)
	peers := byID(endView.Items)
	assert.ElementsMatch(t, []string{"eve", "frank"}, keys(peers))
	for _, v := range peers {
		assert.True(t, v.Limited)
		assert.Empty(t, v.Role)
		assert.Empty(t, v.Phone)
	}

	partnerView, err := h.svc.ListAccounts(ctx, pat, PageRequest{})
	require.NoError(t, err)
	pv := byID(partnerView.Items)
	assert.ElementsMatch(t, []string{"pat", "eve", "hidden", "frank", "idle"}, keys(pv))
	assert.False(t, pv["idle"].Limited)
	assert.True(t, pv["pat"].Limited)
}

func TestListAccountsPagesThroughEveryAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.activeUser(t, "root", auth.RoleAdmin)
	for i := 0; i < 120; i++ {
		h.seedAccount(t, fmt.Sprintf("user%03d", i), auth.RoleEndUser, domain.AccountStateActive)
	}

	first, err := h.svc.ListAccounts(ctx, root, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 121, first.Total)
	assert.Equal(t, 1, first.Page)
	assert.Equal(t, defaultPageSize, first.PageSize)
	assert.Len(t, first.Items, defaultPageSize)
	assert.True(t, first.HasMore)

	seen := map[string]struct{}{}
	for page := 1; ; page++ {
		res, err := h.svc.ListAccounts(ctx, root, PageRequest{Page: page, PageSize: 40})
		require.NoError(t, err)
		for _, v := range res.Items {
			seen[v.ID] = struct{}{}
		}
		if !res.HasMore {
			assert.Len(t, res.Items, 1)
			break
		}
	}
	assert.Len(t, seen, 121)

	beyond, err := h.svc.ListAccounts(ctx, root, PageRequest{Page: 99, PageSize: 40})
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)
	assert.False(t, beyond.HasMore)

	capped, err := h.svc.ListAccounts(ctx, root, PageRequest{PageSize: 10000})
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, capped.PageSize)
	assert.Len(t, capped.Items, 121)
}

func keys(m map[string]AccountView) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := BootstrapAdmin{ID: "root", Email: "root@example.com", Password: testPassword}

	created, err := h.svc.EnsureAdmin(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = h.svc.EnsureAdmin(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)

	acc, err := h.account(t, "root")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, acc.Role)
	assert.True(t, acc.IsActive())
	h.login(t, "root")

	_, err = h.svc.EnsureAdmin(ctx, BootstrapAdmin{ID: "root", Email: "root@example.com"})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}
