package protocol

// Balance holds the two player currencies. Both fields are non-negative in
// any state the stores accept; the schema validator and the world store both
// enforce this independently.
type Balance struct {
	Signal      int `json:"signal"`
	MemoryShard int `json:"memory_shard"`
}

// Add returns b with d added per currency.
func (b Balance) Add(d Balance) Balance {
	return Balance{Signal: b.Signal + d.Signal, MemoryShard: b.MemoryShard + d.MemoryShard}
}

// Clamp returns b with negative fields raised to zero.
func (b Balance) Clamp() Balance {
	if b.Signal < 0 {
		b.Signal = 0
	}
	if b.MemoryShard < 0 {
		b.MemoryShard = 0
	}
	return b
}

// IsNegative reports whether any currency is below zero.
func (b Balance) IsNegative() bool {
	return b.Signal < 0 || b.MemoryShard < 0
}

// ClickAction references a scene object the player clicked.
type ClickAction struct {
	ObjectID string `json:"object_id"`
	Box      Box2D  `json:"box_2d"`
}

// DropAction references an inventory item dragged onto a scene target.
type DropAction struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Box      *Box2D `json:"box_2d,omitempty"`
}

// ClientInfo describes the viewport the turn was issued from.
type ClientInfo struct {
	ViewportW int    `json:"viewport_w"`
	ViewportH int    `json:"viewport_h"`
	Theme     string `json:"theme,omitempty"`
}

// TurnInput is the request body for one turn. It is built fresh per turn and
// never mutated after send. EconomySnapshot echoes the balance the client
// believes is current so the server can validate against drift; it is also
// the balance every local fallback path must preserve.
type TurnInput struct {
	Language        string       `json:"language"`
	Text            string       `json:"text,omitempty"`
	ActionID        string       `json:"action_id,omitempty"`
	Click           *ClickAction `json:"click,omitempty"`
	Drop            *DropAction  `json:"drop,omitempty"`
	Client          ClientInfo   `json:"client"`
	EconomySnapshot Balance      `json:"economy_snapshot"`
}

// Economy is the server-asserted economy block of a turn result.
// BalanceAfter is authoritative: the client replaces its balance with it.
type Economy struct {
	Cost         Balance  `json:"cost"`
	Gains        *Balance `json:"gains,omitempty"`
	BalanceAfter Balance  `json:"balance_after"`
}

// Safety flags a blocked turn.
type Safety struct {
	Blocked bool   `json:"blocked"`
	Message string `json:"message,omitempty"`
}

// CostRange is a min/max cost estimate attached to an action card.
type CostRange struct {
	Min Balance `json:"min"`
	Max Balance `json:"max"`
}

// ActionCard is a suggested follow-up action in the UI deck.
type ActionCard struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	Cost         Balance    `json:"cost"`
	CostEstimate *CostRange `json:"cost_estimate,omitempty"`
}

// SceneObject is a clickable hotspot anchored to normalized coordinates.
type SceneObject struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	Box             Box2D  `json:"box_2d"`
	InteractionHint string `json:"interaction_hint,omitempty"`
}

// UI carries presentation payloads produced by the turn.
type UI struct {
	Cards      []ActionCard  `json:"cards,omitempty"`
	Objects    []SceneObject `json:"objects,omitempty"`
	SceneImage string        `json:"scene_image,omitempty"`
}

// Quest is upserted by id into the world store.
type Quest struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	IsCompleted  bool   `json:"is_completed"`
	IsMain       bool   `json:"is_main,omitempty"`
	Progress     int    `json:"progress"`
	RewardSignal int    `json:"reward_signal,omitempty"`
	Description  string `json:"description,omitempty"`
}

// WorldRule is upserted by id; every insert or field change is journaled
// into the mutation timeline.
type WorldRule struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// RelationshipDelta adjusts a character relationship score.
type RelationshipDelta struct {
	CharacterID string `json:"character_id"`
	Delta       int    `json:"delta"`
	Reason      string `json:"reason,omitempty"`
}

// World is the delta block the reconciliation store merges.
type World struct {
	QuestsUpdated      []Quest             `json:"quests_updated,omitempty"`
	RulesChanged       []WorldRule         `json:"rules_changed,omitempty"`
	InventoryAdded     []string            `json:"inventory_added,omitempty"`
	InventoryRemoved   []string            `json:"inventory_removed,omitempty"`
	RelationshipDeltas []RelationshipDelta `json:"relationship_deltas,omitempty"`
	MemoryPins         []string            `json:"memory_pins,omitempty"`
}

// ImageJob describes an asynchronous image generation request. Results
// arrive out-of-band and are correlated by turn id.
type ImageJob struct {
	ShouldGenerate bool   `json:"should_generate"`
	Prompt         string `json:"prompt,omitempty"`
}

// Render carries the image outcome of a turn: either a direct URL or a job
// descriptor for late-binding generation.
type Render struct {
	ImageURL string    `json:"image_url,omitempty"`
	ImageJob *ImageJob `json:"image_job,omitempty"`
	GenMS    int       `json:"gen_ms,omitempty"`
}

// AgentConsole is diagnostic state surfaced to the player console.
type AgentConsole struct {
	Phase       string   `json:"phase,omitempty"`
	Badges      []string `json:"badges,omitempty"`
	RepairCount int      `json:"repair_count"`
	Model       string   `json:"model,omitempty"`
}

// Hints are optional follow-up suggestions from the agent.
type Hints struct {
	Scanner bool `json:"scanner,omitempty"`
}

// TurnOutput is the complete result of one turn. It is received once per
// turn (or synthesized locally as a fallback) and never mutated; each turn
// produces a new instance merged into the long-lived stores.
type TurnOutput struct {
	Narrative    string       `json:"narrative"`
	Economy      Economy      `json:"economy"`
	Safety       Safety       `json:"safety"`
	UI           UI           `json:"ui"`
	World        World        `json:"world"`
	Render       Render       `json:"render"`
	AgentConsole AgentConsole `json:"agent_console"`
	Hints        *Hints       `json:"hints,omitempty"`
}

// NewBaseImage reports whether this turn produced (or will produce) a brand
// new base scene image, which invalidates all prior coordinate-anchored
// hotspots.
func (o *TurnOutput) NewBaseImage() bool {
	if o.Render.ImageURL != "" {
		return true
	}
	return o.Render.ImageJob != nil && o.Render.ImageJob.ShouldGenerate
}

// HasBadge reports whether the agent console carries the given badge.
func (o *TurnOutput) HasBadge(badge string) bool {
	for _, b := range o.AgentConsole.Badges {
		if b == badge {
			return true
		}
	}
	return false
}

// BadgeSchemaFail marks a final payload that failed structural validation
// and was replaced by an economy-safe fallback.
const BadgeSchemaFail = "schema_fail"
