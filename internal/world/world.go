// Package world holds the canonical client-side game state and the merge
// logic that reconciles server-asserted turn output into it. The store is
// the single writer for economy, quests, rules, hotspots, and the scene
// image; all mutation goes through its action methods.
package world

import (
	"strconv"
	"sync"
	"time"

	"loom/internal/i18n"
	"loom/internal/protocol"
)

// ConsumeDelay is how long a removed inventory item stays in its
// "consuming" state before the quantity actually drops. The delay is a
// timing contract with the consuming animation, not a cosmetic pause.
const ConsumeDelay = 500 * time.Millisecond

// Narrative entry kinds.
const (
	EntryNarrative = "narrative"
	EntrySystem    = "system"
)

// NarrativeEntry is one line of the narrative history.
type NarrativeEntry struct {
	Turn      int       `json:"turn"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Rule mutation kinds journaled into the timeline.
const (
	MutationAdded    = "added"
	MutationModified = "modified"
)

// RuleMutation is one mutation-timeline record, most-recent-first.
type RuleMutation struct {
	Turn      int       `json:"turn"`
	RuleID    string    `json:"rule_id"`
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// Scene image statuses.
const (
	ImageStatusSelect = "select"
	ImageStatusScene  = "scene"
)

// ImageState is the late-binding image correlation state.
type ImageState struct {
	Status           string `json:"status"`
	ImageURL         string `json:"image_url,omitempty"`
	PreviousImageURL string `json:"previous_image_url,omitempty"`
	Loading          bool   `json:"loading"`
	PendingTurnID    int    `json:"pending_turn_id"`
	SceneRevision    int    `json:"scene_revision"`
}

// Scheduler defers a function by a duration. The world store uses it for
// the two-phase inventory consumption delay; tests substitute a manual
// implementation to drive the second phase deterministically.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// TimerScheduler is the production Scheduler backed by time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) After(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// Store is the world reconciliation store.
type Store struct {
	mu sync.Mutex

	turn      int
	narrative []NarrativeEntry

	quests     []protocol.Quest
	questIndex map[string]int

	rules     []protocol.WorldRule
	ruleIndex map[string]int
	timeline  []RuleMutation

	sceneObjects []protocol.SceneObject

	economy protocol.Balance
	image   ImageState

	inventory *Inventory

	translator i18n.Translator
	scheduler  Scheduler
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithScheduler overrides the consumption-delay scheduler.
func WithScheduler(sch Scheduler) Option {
	return func(s *Store) { s.scheduler = sch }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a world store. The translator localizes the synthetic
// system narrative entries; nil is allowed and falls back to raw keys.
func NewStore(tr i18n.Translator, opts ...Option) *Store {
	if tr == nil {
		tr = i18n.Static{}
	}
	s := &Store{
		turn:       1,
		questIndex: make(map[string]int),
		ruleIndex:  make(map[string]int),
		translator: tr,
		scheduler:  TimerScheduler{},
		now:        time.Now,
		image:      ImageState{Status: ImageStatusSelect},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.inventory = newInventory(s.now)
	return s
}

// ApplyTurnOutput merges a validated turn output into canonical state. The
// output must have passed the schema validator; the economy clamp here is a
// second line of defense, not the primary one.
func (s *Store) ApplyTurnOutput(out *protocol.TurnOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := s.turn
	s.turn++

	s.appendNarrativeLocked(turn, EntryNarrative, out.Narrative)

	if out.Hints != nil && out.Hints.Scanner {
		s.appendNarrativeLocked(turn, EntrySystem, s.translator.T("hint.scanner", nil))
	}

	for _, q := range out.World.QuestsUpdated {
		s.upsertQuestLocked(turn, q)
	}

	for _, r := range out.World.RulesChanged {
		s.upsertRuleLocked(turn, r)
	}

	if len(out.World.InventoryAdded) > 0 {
		s.inventory.AddByID(out.World.InventoryAdded)
	}
	if len(out.World.InventoryRemoved) > 0 {
		removed := append([]string(nil), out.World.InventoryRemoved...)
		s.inventory.MarkConsuming(removed)
		s.scheduler.After(ConsumeDelay, func() {
			s.inventory.ClearConsuming(removed)
		})
	}

	s.economy = out.Economy.BalanceAfter.Clamp()

	s.applyHotspotPolicyLocked(out)
}

// appendNarrativeLocked records a narrative entry for a turn.
func (s *Store) appendNarrativeLocked(turn int, kind, text string) {
	s.narrative = append(s.narrative, NarrativeEntry{
		Turn:      turn,
		Type:      kind,
		Text:      text,
		Timestamp: s.now(),
	})
}

// upsertQuestLocked inserts or replaces a quest by id. A transition to
// completed with a positive reward announces itself as a system entry.
func (s *Store) upsertQuestLocked(turn int, q protocol.Quest) {
	if i, ok := s.questIndex[q.ID]; ok {
		prev := s.quests[i]
		s.quests[i] = q
		if !prev.IsCompleted && q.IsCompleted && q.RewardSignal > 0 {
			s.appendNarrativeLocked(turn, EntrySystem, s.translator.T("quest.completed", map[string]string{
				"label":  q.Label,
				"reward": strconv.Itoa(q.RewardSignal),
			}))
		}
		return
	}
	s.questIndex[q.ID] = len(s.quests)
	s.quests = append(s.quests, q)
	if q.IsCompleted && q.RewardSignal > 0 {
		s.appendNarrativeLocked(turn, EntrySystem, s.translator.T("quest.completed", map[string]string{
			"label":  q.Label,
			"reward": strconv.Itoa(q.RewardSignal),
		}))
	}
}

// upsertRuleLocked inserts or replaces a rule by id and journals the
// mutation. Replacing with identical fields journals nothing.
func (s *Store) upsertRuleLocked(turn int, r protocol.WorldRule) {
	if i, ok := s.ruleIndex[r.ID]; ok {
		if s.rules[i] == r {
			return
		}
		s.rules[i] = r
		s.journalLocked(turn, r, MutationModified)
		return
	}
	s.ruleIndex[r.ID] = len(s.rules)
	s.rules = append(s.rules, r)
	s.journalLocked(turn, r, MutationAdded)
}

func (s *Store) journalLocked(turn int, r protocol.WorldRule, kind string) {
	s.timeline = append([]RuleMutation{{
		Turn:      turn,
		RuleID:    r.ID,
		Type:      kind,
		Label:     r.Label,
		Timestamp: s.now(),
	}}, s.timeline...)
}

// applyHotspotPolicyLocked implements the replace-vs-merge decision. A new
// base image invalidates every prior coordinate-anchored hotspot; a
// precision analysis against the existing image merges additively; an
// ordinary turn leaves hotspots untouched.
func (s *Store) applyHotspotPolicyLocked(out *protocol.TurnOutput) {
	if out.NewBaseImage() {
		s.sceneObjects = nil
		if len(out.UI.Objects) > 0 {
			s.sceneObjects = append(s.sceneObjects, out.UI.Objects...)
		}
		return
	}
	if len(out.UI.Objects) > 0 {
		s.sceneObjects = append(s.sceneObjects, out.UI.Objects...)
	}
}

// SetEconomy replaces the balance directly, clamped non-negative. Used by
// session bootstrap and migration repair.
func (s *Store) SetEconomy(b protocol.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.economy = b.Clamp()
}

// Economy returns the current authoritative balance.
func (s *Store) Economy() protocol.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.economy
}

// Turn returns the current turn counter (the id the next turn will use).
func (s *Store) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Narrative returns a copy of the narrative history, oldest first.
func (s *Store) Narrative() []NarrativeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NarrativeEntry, len(s.narrative))
	copy(out, s.narrative)
	return out
}

// Quests returns a copy of the quest list in insertion order.
func (s *Store) Quests() []protocol.Quest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Quest, len(s.quests))
	copy(out, s.quests)
	return out
}

// MainQuest returns the first quest flagged is_main, if any.
func (s *Store) MainQuest() (protocol.Quest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.quests {
		if q.IsMain {
			return q, true
		}
	}
	return protocol.Quest{}, false
}

// Rules returns a copy of the active rules in insertion order.
func (s *Store) Rules() []protocol.WorldRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.WorldRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Timeline returns a copy of the mutation timeline, most recent first.
func (s *Store) Timeline() []RuleMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleMutation, len(s.timeline))
	copy(out, s.timeline)
	return out
}

// SceneObjects returns a copy of the current hotspots.
func (s *Store) SceneObjects() []protocol.SceneObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.SceneObject, len(s.sceneObjects))
	copy(out, s.sceneObjects)
	return out
}

// Inventory returns the inventory sub-store.
func (s *Store) Inventory() *Inventory {
	return s.inventory
}

// Reset clears all world state back to a fresh session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn = 1
	s.narrative = nil
	s.quests = nil
	s.questIndex = make(map[string]int)
	s.rules = nil
	s.ruleIndex = make(map[string]int)
	s.timeline = nil
	s.sceneObjects = nil
	s.economy = protocol.Balance{}
	s.image = ImageState{Status: ImageStatusSelect}
	s.inventory.Reset()
}

// HydrateState replaces world state from persisted save data. Economy is
// clamped; index maps are rebuilt.
type HydrateState struct {
	Turn         int
	Narrative    []NarrativeEntry
	Quests       []protocol.Quest
	Rules        []protocol.WorldRule
	Timeline     []RuleMutation
	SceneObjects []protocol.SceneObject
	Economy      protocol.Balance
	Inventory    []Item
}

// Hydrate loads persisted state into the store.
func (s *Store) Hydrate(h HydrateState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turn = h.Turn
	if s.turn < 1 {
		s.turn = 1
	}
	s.narrative = append([]NarrativeEntry(nil), h.Narrative...)

	s.quests = append([]protocol.Quest(nil), h.Quests...)
	s.questIndex = make(map[string]int, len(s.quests))
	for i, q := range s.quests {
		s.questIndex[q.ID] = i
	}

	s.rules = append([]protocol.WorldRule(nil), h.Rules...)
	s.ruleIndex = make(map[string]int, len(s.rules))
	for i, r := range s.rules {
		s.ruleIndex[r.ID] = i
	}

	s.timeline = append([]RuleMutation(nil), h.Timeline...)
	s.sceneObjects = append([]protocol.SceneObject(nil), h.SceneObjects...)
	s.economy = h.Economy.Clamp()
	s.inventory.Hydrate(h.Inventory)
}
