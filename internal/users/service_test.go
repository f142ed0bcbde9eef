package users

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notevault/internal/auth"
	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestResolveExternalIdentityCreatesUserOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	claims := auth.ExternalClaims{Subject: "user_2abc", Email: "Grace@Example.com", EmailVerified: true, DisplayName: "Grace Hopper"}

	userID, err := env.service.ResolveExternalIdentity(ctx, "clerk", claims)
	require.NoError(t, err)
	require.Equal(t, "user-001", userID)

	again, err := env.service.ResolveExternalIdentity(ctx, "clerk", claims)
	require.NoError(t, err)
	require.Equal(t, userID, again)

	user, err := env.service.Profile(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "grace@example.com", user.Email)
	require.Equal(t, "Grace Hopper", user.DisplayName)

	var count int64
	require.NoError(t, env.db.Model(&User{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestResolveExternalIdentityLinksByEmail(t *testing.T) {
	env := newTestEnv(t)
	local := env.register(t, "ada@example.com")

	userID, err := env.service.ResolveExternalIdentity(context.Background(), "clerk", auth.ExternalClaims{
		Subject:       "user_2xyz",
		Email:         "ADA@example.com",
		EmailVerified: true,
	})
	require.NoError(t, err)
	require.Equal(t, local.ID, userID)

	var identities int64
	require.NoError(t, env.db.Model(&Identity{}).Where("user_id = ?", local.ID).Count(&identities).Error)
	require.Equal(t, int64(2), identities)
}

func TestResolveExternalIdentityDoesNotLinkUnverifiedEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	local := env.register(t, "ada@example.com")

	userID, err := env.service.ResolveExternalIdentity(ctx, "clerk", auth.ExternalClaims{
		Subject:     "user_impostor",
		Email:       "ada@example.com",
		DisplayName: "Not Ada",
	})
	require.NoError(t, err)
	require.NotEqual(t, local.ID, userID)

	created, err := env.service.Profile(ctx, userID)
	require.NoError(t, err)
	require.Empty(t, created.Email)
	require.Equal(t, "Not Ada", created.DisplayName)

	var identities int64
	require.NoError(t, env.db.Model(&Identity{}).Where("user_id = ?", local.ID).Count(&identities).Error)
	require.Equal(t, int64(1), identities)

	_, err = env.service.Register(ctx, Registration{Email: "fresh@example.com", Password: "correct horse"})
	require.NoError(t, err)
}

func TestUnverifiedEmailDoesNotBlockRegistration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.ResolveExternalIdentity(ctx, "clerk", auth.ExternalClaims{
		Subject: "user_squatter",
		Email:   "victim@example.com",
	})
	require.NoError(t, err)

	victim := env.register(t, "victim@example.com")
	require.Equal(t, "victim@example.com", victim.Email)
}

func TestSyncCannotRedirectIdentityLinking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	attacker := env.register(t, "mallory@example.com")

	require.NoError(t, env.service.Sync(ctx, attacker.ID, ProfileUpdate{DisplayName: "victim@example.com"}))
	profile, err := env.service.Profile(ctx, attacker.ID)
	require.NoError(t, err)
	require.Equal(t, "mallory@example.com", profile.Email)

	victimID, err := env.service.ResolveExternalIdentity(ctx, "clerk", auth.ExternalClaims{
		Subject:       "user_victim",
		Email:         "victim@example.com",
		EmailVerified: true,
	})
	require.NoError(t, err)
	require.NotEqual(t, attacker.ID, victimID)

	victim, err := env.service.Profile(ctx, victimID)
	require.NoError(t, err)
	require.Equal(t, "victim@example.com", victim.Email)
}

func TestResolveExternalIdentityRejectsEmptySubject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.ResolveExternalIdentity(context.Background(), "clerk", auth.ExternalClaims{Email: "a@example.com"})
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
	require.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestProfileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "ada@example.com")

	require.NoError(t, env.service.Sync(ctx, user.ID, ProfileUpdate{DisplayName: "Countess"}))
	require.NoError(t, env.service.UpdateBio(ctx, user.ID, "  analytical engines  "))

	previous, err := env.service.SetAvatar(ctx, user.ID, "first.png")
	require.NoError(t, err)
	require.Empty(t, previous)
	previous, err = env.service.SetAvatar(ctx, user.ID, "second.png")
	require.NoError(t, err)
	require.Equal(t, "first.png", previous)

	profile, err := env.service.Profile(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", profile.Email)
	require.Equal(t, "Countess", profile.DisplayName)
	require.Equal(t, "analytical engines", profile.Bio)
	require.Equal(t, "second.png", profile.AvatarFile)
}

func TestProfileOperationsOnUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Profile(ctx, "ghost")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, env.service.UpdateBio(ctx, "ghost", "bio"), errs.ErrNotFound)
	require.ErrorIs(t, env.service.Sync(ctx, "ghost", ProfileUpdate{DisplayName: "x"}), errs.ErrNotFound)
	_, err = env.service.SetAvatar(ctx, "ghost", "a.png")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSyncWithUnchangedValuesSucceeds(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "ada@example.com")

	update := ProfileUpdate{DisplayName: "ada"}
	require.NoError(t, env.service.Sync(context.Background(), user.ID, update))
	require.NoError(t, env.service.Sync(context.Background(), user.ID, update))
}

func TestUpdateBioRejectsOversizedInput(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "ada@example.com")

	oversized := make([]byte, maxBioLength+1)
	for i := range oversized {
		oversized[i] = 'x'
	}
	require.ErrorIs(t, env.service.UpdateBio(context.Background(), user.ID, string(oversized)), errs.ErrValidation)
}

func TestRequireActiveAndAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.register(t, "admin@example.com")
	member := env.register(t, "member@example.com")

	_, err := env.service.RequireActive(ctx, "ghost")
	require.ErrorIs(t, err, errs.ErrUnauthenticated)

	_, err = env.service.RequireAdmin(ctx, admin.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	granted, err := env.service.GrantAdmin(ctx, "ADMIN@example.com")
	require.NoError(t, err)
	require.True(t, granted.IsAdmin)

	_, err = env.service.RequireAdmin(ctx, admin.ID)
	require.NoError(t, err)
	_, err = env.service.RequireAdmin(ctx, member.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	active, err := env.service.RequireActive(ctx, member.ID)
	require.NoError(t, err)
	require.Equal(t, member.ID, active.ID)
}

func TestGrantAdminUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.GrantAdmin(context.Background(), "ghost@example.com")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = env.service.GrantAdmin(context.Background(), " ")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestBanAndUnban(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.register(t, "admin@example.com")
	target := env.register(t, "target@example.com")

	require.NoError(t, env.service.Ban(ctx, admin.ID, target.ID, "spam uploads"))
	_, err := env.service.RequireActive(ctx, target.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	env.advance(time.Minute)
	require.NoError(t, env.service.Unban(ctx, target.ID))
	_, err = env.service.RequireActive(ctx, target.ID)
	require.NoError(t, err)

	env.advance(time.Minute)
	require.NoError(t, env.service.Ban(ctx, admin.ID, target.ID, "again"))

	bans, err := env.service.ListBans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 2)
	require.Equal(t, "again", bans[0].Reason)
	require.Equal(t, "spam uploads", bans[1].Reason)
	require.Equal(t, admin.ID, bans[1].BannedBy)
	require.Equal(t, target.ID, bans[1].UserID)
}

func TestBanValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.register(t, "admin@example.com")

	require.ErrorIs(t, env.service.Ban(ctx, admin.ID, admin.ID, "oops"), errs.ErrValidation)
	require.ErrorIs(t, env.service.Ban(ctx, admin.ID, "ghost", "spam"), errs.ErrNotFound)
	require.ErrorIs(t, env.service.Unban(ctx, "ghost"), errs.ErrNotFound)

	bans, err := env.service.ListBans(ctx)
	require.NoError(t, err)
	require.Empty(t, bans)
}

func TestListUsersNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	first := env.register(t, "first@example.com")
	second := env.register(t, "second@example.com")

	users, err := env.service.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, second.ID, users[0].ID)
	require.Equal(t, first.ID, users[1].ID)
}
