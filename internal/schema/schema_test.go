package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/i18n"
	"loom/internal/protocol"
)

func validPayload(t *testing.T) []byte {
	t.Helper()
	out := protocol.TurnOutput{
		Narrative: "You step into the archive.",
		Economy: protocol.Economy{
			Cost:         protocol.Balance{Signal: 5, MemoryShard: 0},
			BalanceAfter: protocol.Balance{Signal: 95, MemoryShard: 5},
		},
		Safety: protocol.Safety{Blocked: false},
	}
	b, err := json.Marshal(out)
	require.NoError(t, err)
	return b
}

func TestSafeParse_Valid(t *testing.T) {
	res := SafeParse(validPayload(t), FallbackOptions{})
	require.True(t, res.OK)
	require.NoError(t, res.Err)
	assert.Equal(t, "You step into the archive.", res.Output.Narrative)
	assert.Equal(t, protocol.Balance{Signal: 95, MemoryShard: 5}, res.Output.Economy.BalanceAfter)
}

func TestSafeParse_NotJSON(t *testing.T) {
	res := SafeParse([]byte("{nope"), FallbackOptions{})
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
	assert.True(t, res.Output.HasBadge(protocol.BadgeSchemaFail))
}

func TestSafeParse_MissingEconomy(t *testing.T) {
	res := SafeParse([]byte(`{"narrative":"hi","safety":{"blocked":false}}`), FallbackOptions{})
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
}

func TestSafeParse_NegativeBalanceRejected(t *testing.T) {
	payload := `{
		"narrative": "x",
		"economy": {"cost":{"signal":0,"memory_shard":0},"balance_after":{"signal":-10,"memory_shard":5}},
		"safety": {"blocked": false}
	}`
	res := SafeParse([]byte(payload), FallbackOptions{})
	assert.False(t, res.OK, "negative balance must not validate")
	assert.False(t, res.Output.Economy.BalanceAfter.IsNegative())
}

func TestSafeParse_FallbackPreservesSnapshot(t *testing.T) {
	snap := protocol.Balance{Signal: 150, MemoryShard: 5}
	res := SafeParse([]byte(`{"garbage":true}`), FallbackOptions{Snapshot: &snap})
	require.False(t, res.OK)
	assert.Equal(t, snap, res.Output.Economy.BalanceAfter)
	assert.Equal(t, protocol.Balance{}, res.Output.Economy.Cost)
}

func TestSafeParse_FallbackDefaultBalance(t *testing.T) {
	res := SafeParse([]byte(`[]`), FallbackOptions{})
	require.False(t, res.OK)
	assert.Equal(t, DefaultBalance, res.Output.Economy.BalanceAfter)
}

func TestSafeParse_FallbackRepairCountAndNarrative(t *testing.T) {
	tr := i18n.Static{"error.schema": "could not understand"}
	res := SafeParse([]byte(`{"bad":1}`), FallbackOptions{Translator: tr, RepairCount: 3})
	require.False(t, res.OK)
	assert.Equal(t, 3, res.Output.AgentConsole.RepairCount)
	assert.Equal(t, "could not understand", res.Output.Narrative)
	assert.False(t, res.Output.Safety.Blocked)
}

func TestSafeParse_BoxCoordinatesOutOfRange(t *testing.T) {
	payload := `{
		"narrative": "x",
		"economy": {"cost":{"signal":0,"memory_shard":0},"balance_after":{"signal":10,"memory_shard":1}},
		"safety": {"blocked": false},
		"ui": {"objects":[{"id":"door","label":"Door","box_2d":{"ymin":0,"xmin":0,"ymax":1200,"xmax":500}}]}
	}`
	res := SafeParse([]byte(payload), FallbackOptions{})
	assert.False(t, res.OK, "coordinates above 1000 must not validate")
}

func TestSafeParse_FullPayloadWithWorldBlock(t *testing.T) {
	payload := `{
		"narrative": "The ward dissolves.",
		"economy": {"cost":{"signal":3,"memory_shard":0},"gains":{"signal":0,"memory_shard":1},"balance_after":{"signal":97,"memory_shard":6}},
		"safety": {"blocked": false},
		"ui": {"cards":[{"id":"a1","label":"Look closer","cost":{"signal":1,"memory_shard":0}}]},
		"world": {
			"quests_updated":[{"id":"q1","label":"Break the ward","is_completed":true,"progress":100,"reward_signal":20}],
			"rules_changed":[{"id":"r1","label":"Wards can be dissolved"}],
			"inventory_added":["ash"],
			"inventory_removed":["salt"]
		},
		"render": {"image_job":{"should_generate":true,"prompt":"a dissolving ward"}},
		"agent_console": {"phase":"narrate","badges":["schema_ok"],"repair_count":0,"model":"fable-2"},
		"hints": {"scanner": true}
	}`
	res := SafeParse([]byte(payload), FallbackOptions{})
	require.True(t, res.OK, "err: %v", res.Err)
	require.Len(t, res.Output.World.QuestsUpdated, 1)
	assert.True(t, res.Output.World.QuestsUpdated[0].IsCompleted)
	assert.True(t, res.Output.NewBaseImage())
	require.NotNil(t, res.Output.Hints)
	assert.True(t, res.Output.Hints.Scanner)
}

func TestFallback_ClampsNegativeSnapshot(t *testing.T) {
	// A corrupt caller snapshot must not let a negative balance through.
	snap := protocol.Balance{Signal: -7, MemoryShard: 2}
	out := Fallback(FallbackOptions{Snapshot: &snap})
	assert.Equal(t, protocol.Balance{Signal: 0, MemoryShard: 2}, out.Economy.BalanceAfter)
}
