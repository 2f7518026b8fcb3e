package protocol

import "encoding/json"

// Stream event discriminators. Each NDJSON line carries exactly one.
const (
	EventStage          = "stage"
	EventBadges         = "badges"
	EventNarrativeDelta = "narrative_delta"
	EventFinal          = "final"
)

// Agent phase names reported by stage events.
const (
	PhaseInterpret = "interpret"
	PhaseSimulate  = "simulate"
	PhaseNarrate   = "narrate"
	PhaseRender    = "render"
)

// Stage statuses.
const (
	StageStart    = "start"
	StageComplete = "complete"
)

// BaseEvent lets us route unknown JSON lines by type.
type BaseEvent struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseEvent, error) {
	var e BaseEvent
	err := json.Unmarshal(b, &e)
	return e, err
}

// StageEvent reports an agent phase starting or completing.
type StageEvent struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// BadgesEvent replaces the current validation badge set.
type BadgesEvent struct {
	Type   string   `json:"type"`
	Badges []string `json:"badges"`
}

// NarrativeDeltaEvent appends streamed narrative text.
type NarrativeDeltaEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FinalEvent carries the complete turn output. Data stays raw here: it must
// pass through the schema validator before anything merges it into state.
type FinalEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
