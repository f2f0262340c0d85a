package models

import (
	"encoding/json"
	"testing"

	"broker-api/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPayloadDispatchesOnType(t *testing.T) {
	var p ConfigPayload
	err := json.Unmarshal([]byte(`{"type":"POE","secret":"s3","account":{"email":"a@b.c","points_total":100}}`), &p)
	require.NoError(t, err)

	cfg, ok := p.Config.(*PoeConfig)
	require.True(t, ok)
	assert.Equal(t, "s3", cfg.GatewaySecret())
	assert.Equal(t, int64(100), cfg.Account.PointsTotal)
}

func TestConfigPayloadRejectsUnknownType(t *testing.T) {
	var p ConfigPayload
	err := json.Unmarshal([]byte(`{"type":"FAX_MACHINE","secret":"x"}`), &p)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestEncodedPayloadCarriesDiscriminant(t *testing.T) {
	b, err := json.Marshal(StatePayload{State: DefaultAbilityState(InstanceTypeMeteredAPI)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"METERED_API","tag_whitelist":[]}`, string(b))
}

func TestStatePayloadNull(t *testing.T) {
	var p StatePayload
	require.NoError(t, p.Scan(nil))
	assert.True(t, p.IsNull())

	v, err := p.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStatePayloadScanRoundTrip(t *testing.T) {
	in := StatePayload{State: &PoeState{ChatIDs: []string{"c1"}, BotIDs: []string{}, AvailablePoints: 42}}
	v, err := in.Value()
	require.NoError(t, err)

	var out StatePayload
	require.NoError(t, out.Scan([]byte(v.(string))))
	assert.Equal(t, in.State, out.State)
}

func TestClaudeSharedHasNoState(t *testing.T) {
	assert.Nil(t, DefaultAbilityState(InstanceTypeClaudeShared))

	var p StatePayload
	err := json.Unmarshal([]byte(`{"type":"CLAUDE_SHARED"}`), &p)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestCheckTag(t *testing.T) {
	assert.NoError(t, CheckTag(InstanceTypePoe, &PoeState{}))
	assert.NoError(t, CheckTag(InstanceTypePoe, nil))

	err := CheckTag(InstanceTypePoe, &MeteredAPIState{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestInstanceValidate(t *testing.T) {
	inst := &ServiceInstance{
		Type:   InstanceTypeMeteredAPI,
		Name:   "reseller",
		Config: ConfigPayload{Config: &PoeConfig{Secret: "x"}},
	}
	assert.True(t, errors.Is(inst.Validate(), errors.ErrInvalidInput))

	inst.Config = ConfigPayload{Config: &MeteredAPIConfig{Secret: "x"}}
	assert.NoError(t, inst.Validate())
	assert.Equal(t, "x", inst.Secret())
}

func TestWithAccountKeepsSecret(t *testing.T) {
	cfg := &PoeConfig{Secret: "keep-me"}
	updated, err := cfg.WithAccount([]byte(`{"email":"ops@example.com","points_used":10,"points_total":300}`))
	require.NoError(t, err)

	poe := updated.(*PoeConfig)
	assert.Equal(t, "keep-me", poe.Secret)
	assert.Equal(t, int64(10), poe.Account.PointsUsed)
	assert.Nil(t, cfg.Account)
}

func TestUsageEventBeforeCreate(t *testing.T) {
	text := "héllo"
	e := &ResourceUsageEvent{
		Type:   InstanceTypeMeteredAPI,
		Text:   &text,
		Detail: DetailPayload{Detail: &MeteredAPIDetail{TotalTokens: 100}},
	}
	require.NoError(t, e.BeforeCreate(nil))

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	require.NotNil(t, e.TextBytes)
	assert.Equal(t, 6, *e.TextBytes)
}

func TestUsageEventRejectsMismatchedDetail(t *testing.T) {
	e := &ResourceUsageEvent{
		Type:   InstanceTypeMeteredAPI,
		Detail: DetailPayload{Detail: &PoeDetail{Points: 3}},
	}
	assert.True(t, errors.Is(e.BeforeCreate(nil), errors.ErrInvalidInput))
}
