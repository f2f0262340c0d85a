package services

import (
	"context"
	"testing"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantBatchCreatesAbilitiesWithDefaultState(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeMeteredAPI, "s1")
	env.store.AddUser("u1", models.RoleUser)
	env.store.AddUser("u2", models.RoleUser)

	report, err := env.abilities.GrantBatch(context.Background(), admin, GrantRequest{
		UserIDs:     []string{"u1", "u2", "u1"},
		InstanceIDs: []string{"i1"},
	})
	require.NoError(t, err)
	require.Len(t, report.Instances, 1)
	assert.Equal(t, 2, report.Instances[0].Created)
	assert.Empty(t, report.Failed())

	rows := env.store.Abilities()
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].Token, rows[1].Token)
	for _, row := range rows {
		assert.Len(t, row.Token, abilityTokenBytes*2)
		assert.True(t, row.CanUse)
		assert.Equal(t, &models.MeteredAPIState{TagWhitelist: []string{}}, row.State.State)
	}
}

func TestGrantBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("poe", models.InstanceTypePoe, "s")
	env.store.AddUser("u1", models.RoleUser)

	req := GrantRequest{UserIDs: []string{"u1"}, InstanceIDs: []string{"poe"}}
	_, err := env.abilities.GrantBatch(ctx, admin, req)
	require.NoError(t, err)
	first := env.store.Abilities()

	progress := &models.PoeState{ChatIDs: []string{"c1"}, BotIDs: []string{"b1"}, AvailablePoints: 42}
	require.NoError(t, env.abilities.SetState(ctx, "poe", "u1", progress))

	report, err := env.abilities.GrantBatch(ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Instances[0].Created)
	assert.Equal(t, 0, report.Instances[0].Updated)
	assert.Equal(t, 1, report.Instances[0].Unchanged)

	second := env.store.Abilities()
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Token, second[0].Token)
	assert.Equal(t, progress, second[0].State.State)
}

func TestGrantBatchActivatesDisabledOnlyWhenAsked(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeChatGPTShared, "s")
	env.store.AddUser("u1", models.RoleUser)
	env.store.PutAbility(&models.UserInstanceAbility{
		UserID: "u1", InstanceID: "i1", Token: "tok", CanUse: false,
		State: models.StatePayload{State: &models.ChatGPTSharedState{ConversationIDs: []string{"x"}}},
	})

	req := GrantRequest{UserIDs: []string{"u1"}, InstanceIDs: []string{"i1"}}
	report, err := env.abilities.GrantBatch(ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Instances[0].Unchanged)
	assert.False(t, env.store.Abilities()[0].CanUse)

	req.ActivateIfDisabled = true
	report, err = env.abilities.GrantBatch(ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Instances[0].Updated)

	row := env.store.Abilities()[0]
	assert.True(t, row.CanUse)
	assert.Equal(t, []string{"x"}, row.State.State.(*models.ChatGPTSharedState).ConversationIDs)
}

func TestGrantBatchResetState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeChatGPTShared, "s")
	env.store.AddUser("u1", models.RoleUser)
	env.store.PutAbility(&models.UserInstanceAbility{
		UserID: "u1", InstanceID: "i1", Token: "tok", CanUse: true,
		State: models.StatePayload{State: &models.ChatGPTSharedState{ConversationIDs: []string{"x"}}},
	})

	_, err := env.abilities.GrantBatch(ctx, admin, GrantRequest{
		UserIDs:      []string{"u1"},
		InstanceIDs:  []string{"i1"},
		GrantOptions: GrantOptions{ResetState: true},
	})
	require.NoError(t, err)

	row := env.store.Abilities()[0]
	assert.Equal(t, &models.ChatGPTSharedState{ConversationIDs: []string{}}, row.State.State)
	assert.Equal(t, "tok", row.Token)
}

func TestGrantBatchFillsNullState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypePoe, "s")
	env.store.AddUser("u1", models.RoleUser)

	_, err := env.abilities.Edit(ctx, admin, "u1", "i1", boolPtr(false))
	require.NoError(t, err)
	assert.True(t, env.store.Abilities()[0].State.IsNull())

	report, err := env.abilities.GrantBatch(ctx, admin, GrantRequest{UserIDs: []string{"u1"}, InstanceIDs: []string{"i1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Instances[0].Updated)

	row := env.store.Abilities()[0]
	assert.False(t, row.CanUse)
	assert.Equal(t, models.DefaultAbilityState(models.InstanceTypePoe), row.State.State)
}

func TestGrantBatchTypeWithoutDefaultState(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance("claude", models.InstanceTypeClaudeShared, "s")
	env.store.AddUser("u1", models.RoleUser)

	report, err := env.abilities.GrantBatch(context.Background(), admin, GrantRequest{UserIDs: []string{"u1"}, InstanceIDs: []string{"claude"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Instances[0].Created)

	row := env.store.Abilities()[0]
	assert.True(t, row.CanUse)
	assert.True(t, row.State.IsNull())
}

func TestGrantBatchIsolatesInstanceFailures(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance("good", models.InstanceTypeMeteredAPI, "s")
	env.addInstance("broken", models.InstanceTypeMeteredAPI, "s")
	env.store.AddUser("u1", models.RoleUser)
	env.store.Fail["Abilities.ListForUsers:broken"] = true

	report, err := env.abilities.GrantBatch(context.Background(), admin, GrantRequest{
		UserIDs:     []string{"u1"},
		InstanceIDs: []string{"missing", "broken", "good"},
	})
	require.NoError(t, err)
	require.Len(t, report.Instances, 3)

	assert.Equal(t, errors.CodeNotFound, report.Instances[0].Code)
	assert.True(t, errors.Is(report.Instances[0].Err(), errors.ErrNotFound))
	assert.Equal(t, errors.CodeStorage, report.Instances[1].Code)
	assert.Equal(t, 1, report.Instances[2].Created)
	assert.Len(t, report.Failed(), 2)

	rows := env.store.Abilities()
	require.Len(t, rows, 1)
	assert.Equal(t, "good", rows[0].InstanceID)
}

func TestGrantBatchReportsUnknownUsers(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeMeteredAPI, "s")
	env.store.AddUser("u1", models.RoleUser)
	env.store.AddUser("gone", models.RoleUser)
	env.store.DeactivateUser("gone")

	report, err := env.abilities.GrantBatch(context.Background(), admin, GrantRequest{
		UserIDs:     []string{"u1", "ghost", "gone"},
		InstanceIDs: []string{"i1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost", "gone"}, report.UnknownUsers)
	assert.Equal(t, 1, report.Instances[0].Created)
}

func TestGrantBatchFallsBackToUpdateOnInsertRace(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeMeteredAPI, "s")
	env.store.AddUser("u1", models.RoleUser)

	env.store.BeforeCreateAbility = func(a *models.UserInstanceAbility) {
		env.store.BeforeCreateAbility = nil
		env.store.PutAbility(&models.UserInstanceAbility{UserID: a.UserID, InstanceID: a.InstanceID, Token: "concurrent", CanUse: false})
	}

	report, err := env.abilities.GrantBatch(context.Background(), admin, GrantRequest{
		UserIDs:      []string{"u1"},
		InstanceIDs:  []string{"i1"},
		GrantOptions: GrantOptions{ActivateIfDisabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Instances[0].Created)
	assert.Equal(t, 1, report.Instances[0].Updated)

	row := env.store.Abilities()[0]
	assert.Equal(t, "concurrent", row.Token)
	assert.True(t, row.CanUse)
	assert.Equal(t, models.DefaultAbilityState(models.InstanceTypeMeteredAPI), row.State.State)
}

func TestAbilityMutationsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeMeteredAPI, "s")

	_, err := env.abilities.GrantBatch(ctx, member, GrantRequest{UserIDs: []string{"member"}, InstanceIDs: []string{"i1"}})
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	_, err = env.abilities.RevokeInstance(ctx, member, "i1", RevokeOptions{})
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	_, err = env.abilities.Edit(ctx, member, "member", "i1", boolPtr(true))
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	_, err = env.abilities.ResetToken(ctx, member, "member", "i1")
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	assert.Empty(t, env.store.Abilities())
}

func TestRevokeInstanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeMeteredAPI, "s")
	env.store.AddUser("u1", models.RoleUser)
	env.store.AddUser("u2", models.RoleUser)
	_, err := env.abilities.GrantBatch(ctx, admin, GrantRequest{UserIDs: []string{"u1", "u2"}, InstanceIDs: []string{"i1"}})
	require.NoError(t, err)

	n, err := env.abilities.RevokeInstance(ctx, admin, "i1", RevokeOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = env.abilities.RevokeInstance(ctx, admin, "i1", RevokeOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	for _, row := range env.store.Abilities() {
		assert.False(t, row.CanUse)
		assert.NotNil(t, row.State.State)
	}

	n, err = env.abilities.RevokeInstance(ctx, admin, "i1", RevokeOptions{Delete: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Empty(t, env.store.Abilities())

	n, err = env.abilities.RevokeInstance(ctx, admin, "i1", RevokeOptions{Delete: true})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = env.abilities.RevokeInstance(ctx, admin, "nope", RevokeOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEditCreatesPlaceholderAndToggles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeMeteredAPI, "s")

	ability, err := env.abilities.Edit(ctx, admin, "u9", "i1", nil)
	require.NoError(t, err)
	assert.False(t, ability.CanUse)
	assert.NotEmpty(t, ability.Token)
	assert.True(t, ability.State.IsNull())

	ability, err = env.abilities.Edit(ctx, admin, "u9", "i1", boolPtr(true))
	require.NoError(t, err)
	assert.True(t, ability.CanUse)

	_, err = env.abilities.Edit(ctx, admin, "u9", "missing", boolPtr(true))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResetTokenRotatesToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypeMeteredAPI, "s")
	env.store.AddUser("u1", models.RoleUser)
	_, err := env.abilities.GrantBatch(ctx, admin, GrantRequest{UserIDs: []string{"u1"}, InstanceIDs: []string{"i1"}})
	require.NoError(t, err)
	old := env.store.Abilities()[0].Token

	ability, err := env.abilities.ResetToken(ctx, admin, "u1", "i1")
	require.NoError(t, err)
	assert.NotEqual(t, old, ability.Token)

	_, err = env.authority.VerifyUserToken(ctx, "i1", old)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	userID, err := env.authority.VerifyUserToken(ctx, "i1", ability.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	_, err = env.abilities.ResetToken(ctx, admin, "nobody", "i1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSetStateChecksDiscriminant(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addInstance("i1", models.InstanceTypePoe, "s")
	env.store.AddUser("u1", models.RoleUser)

	err := env.abilities.SetState(ctx, "i1", "u1", &models.PoeState{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = env.abilities.GrantBatch(ctx, admin, GrantRequest{UserIDs: []string{"u1"}, InstanceIDs: []string{"i1"}})
	require.NoError(t, err)

	err = env.abilities.SetState(ctx, "i1", "u1", &models.MeteredAPIState{})
	assert.Equal(t, errors.CodeValidation, errors.Code(err))

	require.NoError(t, env.abilities.SetState(ctx, "i1", "u1", &models.PoeState{AvailablePoints: 7}))
	state := env.store.Abilities()[0].State.State.(*models.PoeState)
	assert.EqualValues(t, 7, state.AvailablePoints)
	assert.NotNil(t, state.ChatIDs)
}

func TestPlanGrantUpdate(t *testing.T) {
	enabled := &models.UserInstanceAbility{CanUse: true, State: models.StatePayload{State: &models.MeteredAPIState{TagWhitelist: []string{"a"}}}}
	disabledNull := &models.UserInstanceAbility{CanUse: false}

	assert.Empty(t, planGrantUpdate(enabled, models.InstanceTypeMeteredAPI, GrantOptions{ActivateIfDisabled: true}))
	assert.Contains(t, planGrantUpdate(enabled, models.InstanceTypeMeteredAPI, GrantOptions{ResetState: true}), "state")

	updates := planGrantUpdate(disabledNull, models.InstanceTypeMeteredAPI, GrantOptions{ActivateIfDisabled: true})
	assert.Equal(t, true, updates["can_use"])
	assert.Contains(t, updates, "state")

	assert.Empty(t, planGrantUpdate(disabledNull, models.InstanceTypeClaudeShared, GrantOptions{}))
}

func TestDedupeAndPartition(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{" a", "b", "a", ""}))

	present, missing := partition([]string{"a", "b", "c"}, []string{"c", "a"})
	assert.Equal(t, []string{"a", "c"}, present)
	assert.Equal(t, []string{"b"}, missing)
}
