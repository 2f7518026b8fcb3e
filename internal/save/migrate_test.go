package save

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/protocol"
)

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantOK  bool
	}{
		{name: "present", raw: `{"version":"1.0.0"}`, want: "1.0.0", wantOK: true},
		{name: "legacy", raw: `{"version":"0.9.0","economy":{}}`, want: "0.9.0", wantOK: true},
		{name: "missing", raw: `{"economy":{}}`, wantOK: false},
		{name: "empty string", raw: `{"version":""}`, wantOK: false},
		{name: "wrong type", raw: `{"version":42}`, wantOK: false},
		{name: "not an object", raw: `[1,2,3]`, wantOK: false},
		{name: "not json", raw: `garbage`, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractVersion([]byte(tt.raw))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsMigratableVersion(t *testing.T) {
	assert.True(t, IsMigratableVersion("0.9.0"))
	assert.True(t, IsMigratableVersion("1.0.0"))
	assert.False(t, IsMigratableVersion("0.8.0"))
	assert.False(t, IsMigratableVersion("2.0.0"))
	assert.False(t, IsMigratableVersion(""))
}

func TestUpgradeToLatest_IdentityFastPath(t *testing.T) {
	raw := []byte(`{
		"version": "1.0.0",
		"profileId": "drifter",
		"language": "en",
		"economy": {"signal": 80, "memory_shard": 4},
		"turnCount": 12
	}`)

	sg, applied, err := UpgradeToLatest(raw)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, "1.0.0", sg.Version)
	assert.Equal(t, "drifter", sg.ProfileID)
	assert.Equal(t, protocol.Balance{Signal: 80, MemoryShard: 4}, sg.Economy)
	assert.Equal(t, 12, sg.TurnCount)
}

func TestUpgradeToLatest_090RenamesMemoryShards(t *testing.T) {
	raw := []byte(`{
		"version": "0.9.0",
		"profileId": "drifter",
		"economy": {"signal": 50, "memory_shards": 3}
	}`)

	sg, applied, err := UpgradeToLatest(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"0.9.0 → 1.0.0"}, applied)
	assert.Equal(t, "1.0.0", sg.Version)
	assert.Equal(t, protocol.Balance{Signal: 50, MemoryShard: 3}, sg.Economy)
	assert.NotNil(t, sg.SceneObjects)
	assert.NotNil(t, sg.EconomyLedger)
	assert.NotNil(t, sg.MutationTimeline)
	assert.Empty(t, sg.SceneObjects)
	assert.Empty(t, sg.EconomyLedger)
	assert.Empty(t, sg.MutationTimeline)
}

func TestUpgradeToLatest_090RepairsInvalidEconomy(t *testing.T) {
	tests := []struct {
		name    string
		economy string
		want    protocol.Balance
	}{
		{
			name:    "negative signal and non-numeric shard",
			economy: `{"signal": -10, "memory_shard": "invalid"}`,
			want:    protocol.Balance{Signal: 100, MemoryShard: 5},
		},
		{
			name:    "missing economy fields",
			economy: `{}`,
			want:    protocol.Balance{Signal: 100, MemoryShard: 5},
		},
		{
			name:    "fractional signal",
			economy: `{"signal": 1.5, "memory_shards": 2}`,
			want:    protocol.Balance{Signal: 100, MemoryShard: 2},
		},
		{
			name:    "zero is valid",
			economy: `{"signal": 0, "memory_shards": 0}`,
			want:    protocol.Balance{Signal: 0, MemoryShard: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{"version": "0.9.0", "economy": ` + tt.economy + `}`)
			sg, _, err := UpgradeToLatest(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sg.Economy)
		})
	}
}

func TestUpgradeToLatest_090EconomyNotAnObject(t *testing.T) {
	raw := []byte(`{"version": "0.9.0", "economy": "corrupt"}`)
	sg, _, err := UpgradeToLatest(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.Balance{Signal: 100, MemoryShard: 5}, sg.Economy)
}

func TestUpgradeToLatest_PreservesUnrelatedFields(t *testing.T) {
	raw := []byte(`{
		"version": "0.9.0",
		"profileId": "warden",
		"language": "de",
		"seed": 777,
		"turnCount": 9,
		"economy": {"signal": 20, "memory_shards": 1},
		"inventory": [{"id": "lamp", "name": "Lamp", "quantity": 2}],
		"quests": [{"id": "q1", "label": "Find it", "progress": 40}]
	}`)

	sg, _, err := UpgradeToLatest(raw)
	require.NoError(t, err)
	assert.Equal(t, "warden", sg.ProfileID)
	assert.Equal(t, "de", sg.Language)
	assert.Equal(t, int64(777), sg.Seed)
	assert.Equal(t, 9, sg.TurnCount)
	require.Len(t, sg.Inventory, 1)
	assert.Equal(t, 2, sg.Inventory[0].Quantity)
	require.Len(t, sg.Quests, 1)
	assert.Equal(t, 40, sg.Quests[0].Progress)
}

func TestUpgradeToLatest_UnsupportedVersionFailsClosed(t *testing.T) {
	_, _, err := UpgradeToLatest([]byte(`{"version": "0.5.0"}`))
	require.Error(t, err)
	assert.True(t, IsUnsupportedVersion(err))

	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeUnsupportedVersion, me.Code)
	assert.Equal(t, "0.5.0", me.Version)
}

func TestUpgradeToLatest_MalformedSave(t *testing.T) {
	_, _, err := UpgradeToLatest([]byte(`not json at all`))
	require.Error(t, err)
	assert.False(t, IsUnsupportedVersion(err))

	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeMalformedSave, me.Code)
}
