// Package save persists versioned game snapshots and migrates legacy
// snapshots forward to the current schema before they are hydrated into
// the stores.
package save

import (
	"time"

	"loom/internal/economy"
	"loom/internal/protocol"
	"loom/internal/world"
)

// Schema version history:
//
//	0.9.0 - legacy format: economy.memory_shards (misspelled), no
//	        sceneObjects/economyLedger/mutationTimeline arrays
//	1.0.0 - current format
const (
	LatestVersion = "1.0.0"
	Version090    = "0.9.0"
)

// SaveGame is the full persisted snapshot of a session. It is serialized
// as a single JSON blob keyed by profile id.
type SaveGame struct {
	Version          string                 `json:"version"`
	Language         string                 `json:"language"`
	ProfileID        string                 `json:"profileId"`
	Seed             int64                  `json:"seed"`
	SavedAt          time.Time              `json:"savedAt"`
	Economy          protocol.Balance       `json:"economy"`
	EconomyLedger    []economy.Entry        `json:"economyLedger"`
	TurnCount        int                    `json:"turnCount"`
	NarrativeHistory []world.NarrativeEntry `json:"narrativeHistory"`
	Inventory        []world.Item           `json:"inventory"`
	Quests           []protocol.Quest       `json:"quests"`
	ActiveRules      []protocol.WorldRule   `json:"activeRules"`
	MutationTimeline []world.RuleMutation   `json:"mutationTimeline"`
	SceneObjects     []protocol.SceneObject `json:"sceneObjects"`
}
