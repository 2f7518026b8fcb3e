// Package session orchestrates one play session: bootstrapping stores from
// a profile or a persisted save, running turns through the stream client,
// and snapshotting state back to storage.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/economy"
	"loom/internal/i18n"
	"loom/internal/profile"
	"loom/internal/protocol"
	"loom/internal/save"
	"loom/internal/stream"
	"loom/internal/transcript"
	"loom/internal/world"
)

// IDGenerator produces session ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 session ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Turner executes turn streams. *stream.Client implements it; tests swap in
// a scripted implementation.
type Turner interface {
	ExecuteTurn(ctx context.Context, input protocol.TurnInput, cb stream.Callbacks) error
}

// TurnRequest is what the player did this turn. Exactly one of Text,
// ActionID, Click, or Drop is expected to be set.
type TurnRequest struct {
	Text   string
	Action string
	Click  *protocol.ClickAction
	Drop   *protocol.DropAction
	Client protocol.ClientInfo
}

// Hooks let the caller observe the turn stream without owning the merge.
// All members are optional. Merging into the stores happens before OnFinal
// is invoked, so the hook sees post-merge state through the stores.
type Hooks struct {
	OnStage          func(protocol.StageEvent)
	OnBadges         func([]string)
	OnNarrativeDelta func(string)
	OnFinal          func(protocol.TurnOutput)
	OnError          func(error)
}

// Controller owns the per-session stores and drives turns through the
// stream client. Not safe for concurrent turns; one turn at a time.
type Controller struct {
	client     Turner
	translator i18n.Translator
	logger     *slog.Logger
	ids        IDGenerator
	now        func() time.Time

	saves *save.Store
	trans *transcript.Writer

	worldOpts  []world.Option
	ledgerOpts []economy.Option

	mu        sync.Mutex
	id        string
	profileID string
	language  string
	seed      int64
	active    bool

	world  *world.Store
	ledger *economy.Store
}

// Option configures a Controller.
type Option func(*Controller)

// WithIDGenerator overrides the session id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Controller) { c.ids = g }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithNow overrides the timestamp source used for snapshots.
func WithNow(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSaveStore enables persistence through the given store.
func WithSaveStore(s *save.Store) Option {
	return func(c *Controller) { c.saves = s }
}

// WithTranscript records all turn traffic to the given writer.
func WithTranscript(w *transcript.Writer) Option {
	return func(c *Controller) { c.trans = w }
}

// WithWorldOptions passes options through to the world store.
func WithWorldOptions(opts ...world.Option) Option {
	return func(c *Controller) { c.worldOpts = opts }
}

// WithLedgerOptions passes options through to the economy ledger.
func WithLedgerOptions(opts ...economy.Option) Option {
	return func(c *Controller) { c.ledgerOpts = opts }
}

// New creates a session controller. The stores start empty; call
// StartFromProfile or Restore before running turns.
func New(client Turner, translator i18n.Translator, opts ...Option) *Controller {
	c := &Controller{
		client:     client,
		translator: translator,
		logger:     slog.Default(),
		ids:        UUIDv7Generator{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.world = world.NewStore(translator, c.worldOpts...)
	c.ledger = economy.NewStore(c.ledgerOpts...)
	return c
}

// StartFromProfile resets the stores and bootstraps them from a profile
// template. Returns the new session id.
func (c *Controller) StartFromProfile(p profile.Profile) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = c.ids.Generate()
	c.profileID = p.ID
	c.language = p.Language
	if c.language == "" {
		c.language = i18n.DefaultLanguage
	}
	c.seed = p.Seed

	c.ledger.Reset()
	c.world.Reset()
	c.world.Hydrate(world.HydrateState{
		Turn:      1,
		Quests:    p.Quests,
		Rules:     p.Rules,
		Economy:   p.Economy,
		Inventory: p.Inventory,
	})
	c.ledger.UpdateBalanceLowStatus(p.Economy)

	c.logger.Info("session started",
		slog.String("session_id", c.id),
		slog.String("profile", p.ID),
		slog.String("language", c.language))
	return c.id
}

// Restore resets the stores and hydrates them from a migrated save.
// Returns the new session id.
func (c *Controller) Restore(sg *save.SaveGame) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = c.ids.Generate()
	c.profileID = sg.ProfileID
	c.language = sg.Language
	if c.language == "" {
		c.language = i18n.DefaultLanguage
	}
	c.seed = sg.Seed

	c.ledger.Reset()
	c.ledger.Hydrate(sg.EconomyLedger)
	c.ledger.UpdateBalanceLowStatus(sg.Economy)

	c.world.Reset()
	c.world.Hydrate(world.HydrateState{
		Turn:         sg.TurnCount + 1,
		Narrative:    sg.NarrativeHistory,
		Quests:       sg.Quests,
		Rules:        sg.ActiveRules,
		Timeline:     sg.MutationTimeline,
		SceneObjects: sg.SceneObjects,
		Economy:      sg.Economy,
		Inventory:    sg.Inventory,
	})

	c.logger.Info("session restored",
		slog.String("session_id", c.id),
		slog.String("profile", sg.ProfileID),
		slog.Int("turn_count", sg.TurnCount))
	return c.id
}

// RestoreLast loads the most recently saved profile, migrating it if
// needed, and restores from it. Returns false when no save exists.
func (c *Controller) RestoreLast(ctx context.Context) (bool, error) {
	if c.saves == nil {
		return false, fmt.Errorf("restore last: no save store configured")
	}
	profileID, ok, err := c.saves.LastProfile(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	sg, applied, err := c.saves.Load(ctx, profileID)
	if err != nil {
		return false, err
	}
	if len(applied) > 0 {
		c.logger.Info("save migrated",
			slog.String("profile", profileID),
			slog.Any("migrations", applied))
	}
	c.Restore(sg)
	return true, nil
}

// Snapshot builds a SaveGame from the current store state.
func (c *Controller) Snapshot() *save.SaveGame {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &save.SaveGame{
		Version:          save.LatestVersion,
		Language:         c.language,
		ProfileID:        c.profileID,
		Seed:             c.seed,
		SavedAt:          c.now().UTC(),
		Economy:          c.world.Economy(),
		EconomyLedger:    c.ledger.Entries(),
		TurnCount:        c.world.Turn() - 1,
		NarrativeHistory: c.world.Narrative(),
		Inventory:        c.world.Inventory().Items(),
		Quests:           c.world.Quests(),
		ActiveRules:      c.world.Rules(),
		MutationTimeline: c.world.Timeline(),
		SceneObjects:     c.world.SceneObjects(),
	}
}

// Save persists the current snapshot.
func (c *Controller) Save(ctx context.Context) error {
	if c.saves == nil {
		return fmt.Errorf("save: no save store configured")
	}
	return c.saves.Put(ctx, c.Snapshot())
}

// ResetToSelect deletes the session's save and empties the stores,
// returning the player to profile selection.
func (c *Controller) ResetToSelect(ctx context.Context) error {
	c.mu.Lock()
	profileID := c.profileID
	c.id = ""
	c.profileID = ""
	c.language = ""
	c.seed = 0
	c.mu.Unlock()

	c.world.Reset()
	c.ledger.Reset()

	if c.saves != nil && profileID != "" {
		if err := c.saves.Delete(ctx, profileID); err != nil {
			return fmt.Errorf("reset to select: %w", err)
		}
	}
	return nil
}

// ID returns the current session id, empty before the first start.
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// World returns the session's world store.
func (c *Controller) World() *world.Store { return c.world }

// Ledger returns the session's economy ledger.
func (c *Controller) Ledger() *economy.Store { return c.ledger }

// CanAfford reports whether the current balance covers the given cost,
// with a per-currency shortfall when it does not.
func (c *Controller) CanAfford(cost protocol.Balance) economy.Affordability {
	return economy.CanAffordCost(c.world.Economy(), cost)
}

// ExecuteTurn runs one turn to completion: builds the request from store
// state, streams it, merges the final output, and updates the ledger. The
// stream's fallback guarantees a usable output on every path, so the stores
// always advance exactly once per executed turn.
func (c *Controller) ExecuteTurn(ctx context.Context, req TurnRequest, hooks Hooks) error {
	c.mu.Lock()
	if c.id == "" {
		c.mu.Unlock()
		return fmt.Errorf("execute turn: session not started")
	}
	if c.active {
		// Correctness under overlap is undefined; surface it loudly but
		// do not hard-reject.
		c.logger.Warn("turn started while previous turn still streaming",
			slog.String("session_id", c.id))
	}
	c.active = true
	language := c.language
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}()

	turnID := c.world.Turn()
	input := protocol.TurnInput{
		Language:        language,
		Text:            req.Text,
		ActionID:        req.Action,
		Click:           req.Click,
		Drop:            req.Drop,
		Client:          req.Client,
		EconomySnapshot: c.world.Economy(),
	}
	c.record(turnID, transcript.KindInput, input)

	cb := stream.Callbacks{
		OnStage: func(e protocol.StageEvent) {
			c.record(turnID, transcript.KindEvent, e)
			if hooks.OnStage != nil {
				hooks.OnStage(e)
			}
		},
		OnBadges: func(b []string) {
			if hooks.OnBadges != nil {
				hooks.OnBadges(b)
			}
		},
		OnNarrativeDelta: func(text string) {
			if hooks.OnNarrativeDelta != nil {
				hooks.OnNarrativeDelta(text)
			}
		},
		OnFinal: func(out protocol.TurnOutput) {
			c.applyFinal(turnID, req, out)
			c.record(turnID, transcript.KindOutput, out)
			if hooks.OnFinal != nil {
				hooks.OnFinal(out)
			}
		},
		OnError: func(err error) {
			if hooks.OnError != nil {
				hooks.OnError(err)
			}
		},
	}

	return c.client.ExecuteTurn(ctx, input, cb)
}

// applyFinal merges a final output into the stores. This is the single
// place turn results become state.
func (c *Controller) applyFinal(turnID int, req TurnRequest, out protocol.TurnOutput) {
	c.world.ApplyTurnOutput(&out)

	balance := out.Economy.BalanceAfter.Clamp()
	c.ledger.AddEntry(economy.Entry{
		TurnID:       turnID,
		Reason:       turnReason(req),
		Cost:         out.Economy.Cost,
		BalanceAfter: balance,
	})
	c.ledger.UpdateBalanceLowStatus(balance)
	c.ledger.ClearCostEstimate()

	// Image correlation: a direct URL binds immediately; a deferred job
	// registers this turn as the only one a late image may bind to.
	switch {
	case out.Render.ImageURL != "":
		c.world.SetImage(out.Render.ImageURL)
	case out.Render.ImageJob != nil && out.Render.ImageJob.ShouldGenerate:
		c.world.SetImageLoading(turnID)
	}
}

// ApplyGeneratedImage binds an out-of-band image result to its turn.
// Returns false when the result arrived for a superseded turn.
func (c *Controller) ApplyGeneratedImage(url string, turnID int) bool {
	return c.world.ApplyLateBindingImage(url, turnID)
}

func (c *Controller) record(turn int, kind transcript.Kind, v any) {
	if c.trans == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("transcript encode failed", slog.String("error", err.Error()))
		return
	}
	if err := c.trans.Append(transcript.Record{Turn: turn, Kind: kind, Data: data}); err != nil {
		c.logger.Warn("transcript append failed", slog.String("error", err.Error()))
	}
}

func turnReason(req TurnRequest) string {
	switch {
	case req.Action != "":
		return "action:" + req.Action
	case req.Click != nil:
		return "click:" + req.Click.ObjectID
	case req.Drop != nil:
		return "drop:" + req.Drop.SourceID
	default:
		return req.Text
	}
}
