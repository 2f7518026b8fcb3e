// Package harness runs scripted turn-stream scenarios end to end: a YAML
// scenario declares the starting profile, the raw NDJSON lines the fake
// backend streams per turn, and assertions over the resulting state. Golden
// files capture the full post-scenario state snapshot.
package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a scripted session: a starting profile, a sequence of
// turns with their server streams, and assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Profile is the starting state the session bootstraps from.
	Profile ProfileSpec `yaml:"profile"`

	// Turns is the scripted turn sequence.
	Turns []TurnStep `yaml:"turns"`

	// Images are late-binding image deliveries applied after all turns,
	// in order.
	Images []ImageStep `yaml:"images,omitempty"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ProfileSpec is the YAML shape of a starting profile.
type ProfileSpec struct {
	Language  string        `yaml:"language,omitempty"`
	Seed      int64         `yaml:"seed,omitempty"`
	Economy   BalanceSpec   `yaml:"economy"`
	Inventory []ItemSpec    `yaml:"inventory,omitempty"`
	Quests    []QuestSpec   `yaml:"quests,omitempty"`
	Rules     []RuleSpec    `yaml:"rules,omitempty"`
}

// BalanceSpec mirrors the two player currencies.
type BalanceSpec struct {
	Signal      int `yaml:"signal"`
	MemoryShard int `yaml:"memory_shard"`
}

// ItemSpec is a starting inventory item.
type ItemSpec struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Quantity int    `yaml:"quantity"`
}

// QuestSpec is a starting quest.
type QuestSpec struct {
	ID     string `yaml:"id"`
	Label  string `yaml:"label"`
	IsMain bool   `yaml:"is_main,omitempty"`
}

// RuleSpec is a starting world rule.
type RuleSpec struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// TurnStep is one scripted turn: what the player does and what the fake
// backend streams back.
type TurnStep struct {
	// Text is the free-text player input.
	Text string `yaml:"text,omitempty"`

	// Action is an action card id, as an alternative to Text.
	Action string `yaml:"action,omitempty"`

	// Status is the HTTP status the backend answers with. Zero means 200.
	Status int `yaml:"status,omitempty"`

	// Stream is the raw NDJSON lines the backend writes, in order.
	Stream []string `yaml:"stream,omitempty"`
}

// ImageStep delivers an out-of-band generated image for a turn.
type ImageStep struct {
	URL  string `yaml:"url"`
	Turn int    `yaml:"turn"`
}

// Assertion validates one aspect of the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "economy": final balance equals Economy
	// - "turn": turn counter equals Count
	// - "inventory": item ID has Quantity (0 asserts absence)
	// - "consuming": item ID is (not) mid-consumption per Value
	// - "quest_completed": quest ID completion equals Value
	// - "narrative_contains": some narrative entry contains Text
	// - "ledger_count": ledger has exactly Count entries
	// - "scene_objects": hotspot count equals Count
	// - "image_url": displayed image equals Text
	Type string `yaml:"type"`

	ID       string       `yaml:"id,omitempty"`
	Text     string       `yaml:"text,omitempty"`
	Count    int          `yaml:"count,omitempty"`
	Quantity int          `yaml:"quantity,omitempty"`
	Value    bool         `yaml:"value,omitempty"`
	Economy  *BalanceSpec `yaml:"economy,omitempty"`
}

// Assertion type constants.
const (
	AssertEconomy           = "economy"
	AssertTurn              = "turn"
	AssertInventory         = "inventory"
	AssertConsuming         = "consuming"
	AssertQuestCompleted    = "quest_completed"
	AssertNarrativeContains = "narrative_contains"
	AssertLedgerCount       = "ledger_count"
	AssertSceneObjects      = "scene_objects"
	AssertImageURL          = "image_url"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Turns) == 0 {
		return fmt.Errorf("turns list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Profile.Economy.Signal < 0 || s.Profile.Economy.MemoryShard < 0 {
		return fmt.Errorf("profile economy must be non-negative")
	}

	for i, turn := range s.Turns {
		if turn.Text == "" && turn.Action == "" {
			return fmt.Errorf("turns[%d]: text or action is required", i)
		}
		if turn.Status == 0 && len(turn.Stream) == 0 {
			return fmt.Errorf("turns[%d]: stream is required for a 200 turn", i)
		}
	}
	for i, img := range s.Images {
		if img.URL == "" {
			return fmt.Errorf("images[%d]: url is required", i)
		}
		if img.Turn <= 0 {
			return fmt.Errorf("images[%d]: turn must be positive", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertEconomy:
		if a.Economy == nil {
			return fmt.Errorf("assertions[%d]: economy is required for economy", index)
		}
	case AssertTurn, AssertLedgerCount, AssertSceneObjects:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertInventory, AssertConsuming, AssertQuestCompleted:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
	case AssertNarrativeContains, AssertImageURL:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for %s", index, a.Type)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
