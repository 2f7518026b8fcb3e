package harness

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"loom/internal/economy"
	"loom/internal/i18n"
	"loom/internal/profile"
	"loom/internal/protocol"
	"loom/internal/session"
	"loom/internal/stream"
	"loom/internal/testutil"
	"loom/internal/world"
)

// Result captures everything a scenario produced.
type Result struct {
	// Snapshot is the deterministic final-state capture.
	Snapshot StateSnapshot

	// ImageResults records the outcome of each late-binding image
	// delivery, in order.
	ImageResults []bool

	// Errors holds per-turn stream errors (nil entries for clean turns).
	Errors []error
}

// StateSnapshot is the canonical post-scenario state. All timestamps come
// from a stepping clock so serialization is stable.
type StateSnapshot struct {
	ScenarioName string                 `json:"scenario_name"`
	Turn         int                    `json:"turn"`
	Economy      protocol.Balance       `json:"economy"`
	Ledger       []economy.Entry        `json:"ledger"`
	Narrative    []world.NarrativeEntry `json:"narrative"`
	Quests       []protocol.Quest       `json:"quests"`
	Rules        []protocol.WorldRule   `json:"rules"`
	Timeline     []world.RuleMutation   `json:"timeline"`
	Inventory    []world.Item           `json:"inventory"`
	SceneObjects []protocol.SceneObject `json:"scene_objects"`
	Image        world.ImageState       `json:"image"`
}

// scriptedBackend serves each scripted turn's NDJSON lines in order.
type scriptedBackend struct {
	mu    sync.Mutex
	turns []TurnStep
	next  int
}

func (b *scriptedBackend) handler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if b.next >= len(b.turns) {
		b.mu.Unlock()
		http.Error(w, "no more scripted turns", http.StatusInternalServerError)
		return
	}
	turn := b.turns[b.next]
	b.next++
	b.mu.Unlock()

	if turn.Status != 0 && turn.Status != http.StatusOK {
		http.Error(w, "scripted failure", turn.Status)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	f, _ := w.(http.Flusher)
	for _, line := range turn.Stream {
		_, _ = w.Write([]byte(line + "\n"))
		if f != nil {
			f.Flush()
		}
	}
}

var harnessMessages = i18n.Static{
	"error.server":     "[server error]",
	"error.connection": "[connection error]",
	"error.schema":     "[schema error]",
	"hint.scanner":     "[scanner available]",
	"quest.completed":  "Quest complete: {label} (+{reward} signal)",
}

// Run executes a scenario against a scripted backend and returns the final
// state. Deterministic by construction: fixed session ids, a stepping clock,
// and a manual consume scheduler fired after every turn.
func Run(scenario *Scenario) (*Result, error) {
	backend := &scriptedBackend{turns: scenario.Turns}
	srv := httptest.NewServer(http.HandlerFunc(backend.handler))
	defer srv.Close()

	scheduler := testutil.NewManualScheduler()
	clock := testutil.SteppingClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.Second)

	client := stream.New(srv.URL, harnessMessages)
	ctrl := session.New(client, harnessMessages,
		session.WithIDGenerator(testutil.NewFixedIDs(sessionIDs(len(scenario.Turns))...)),
		session.WithNow(clock),
		session.WithWorldOptions(world.WithScheduler(scheduler), world.WithNow(clock)),
		session.WithLedgerOptions(economy.WithNow(clock)),
	)
	ctrl.StartFromProfile(buildProfile(scenario))

	result := &Result{}
	for _, step := range scenario.Turns {
		req := session.TurnRequest{Text: step.Text, Action: step.Action}
		err := ctrl.ExecuteTurn(context.Background(), req, session.Hooks{})
		result.Errors = append(result.Errors, err)
		// Complete deferred inventory consumption before the next turn.
		scheduler.Fire()
	}

	for _, img := range scenario.Images {
		result.ImageResults = append(result.ImageResults, ctrl.ApplyGeneratedImage(img.URL, img.Turn))
	}

	w := ctrl.World()
	result.Snapshot = StateSnapshot{
		ScenarioName: scenario.Name,
		Turn:         w.Turn(),
		Economy:      w.Economy(),
		Ledger:       ctrl.Ledger().Entries(),
		Narrative:    w.Narrative(),
		Quests:       w.Quests(),
		Rules:        w.Rules(),
		Timeline:     w.Timeline(),
		Inventory:    w.Inventory().Items(),
		SceneObjects: w.SceneObjects(),
		Image:        w.Image(),
	}

	if errs := evaluate(scenario, ctrl, &result.Snapshot); len(errs) > 0 {
		return result, fmt.Errorf("scenario %q: %d assertion failure(s): %s",
			scenario.Name, len(errs), strings.Join(errs, "; "))
	}
	return result, nil
}

func sessionIDs(n int) []string {
	ids := make([]string, 0, n+1)
	for i := 0; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("scenario-session-%d", i+1))
	}
	return ids
}

func buildProfile(s *Scenario) profile.Profile {
	p := profile.Profile{
		ID:       s.Name,
		Name:     s.Name,
		Language: s.Profile.Language,
		Seed:     s.Profile.Seed,
		Economy: protocol.Balance{
			Signal:      s.Profile.Economy.Signal,
			MemoryShard: s.Profile.Economy.MemoryShard,
		},
	}
	for _, item := range s.Profile.Inventory {
		p.Inventory = append(p.Inventory, world.Item{
			ID: item.ID, Name: item.Name, Quantity: item.Quantity,
			IconStatus: world.IconReady,
		})
	}
	for _, q := range s.Profile.Quests {
		p.Quests = append(p.Quests, protocol.Quest{ID: q.ID, Label: q.Label, IsMain: q.IsMain})
	}
	for _, r := range s.Profile.Rules {
		p.Rules = append(p.Rules, protocol.WorldRule{ID: r.ID, Label: r.Label})
	}
	return p
}

// evaluate checks every assertion and returns human-readable failures.
func evaluate(s *Scenario, ctrl *session.Controller, snap *StateSnapshot) []string {
	var failures []string
	fail := func(i int, format string, args ...any) {
		failures = append(failures, fmt.Sprintf("assertions[%d]: %s", i, fmt.Sprintf(format, args...)))
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertEconomy:
			want := protocol.Balance{Signal: a.Economy.Signal, MemoryShard: a.Economy.MemoryShard}
			if snap.Economy != want {
				fail(i, "economy = %+v, want %+v", snap.Economy, want)
			}

		case AssertTurn:
			if snap.Turn != a.Count {
				fail(i, "turn = %d, want %d", snap.Turn, a.Count)
			}

		case AssertInventory:
			item, ok := ctrl.World().Inventory().Get(a.ID)
			if a.Quantity == 0 {
				if ok {
					fail(i, "item %q present with quantity %d, want absent", a.ID, item.Quantity)
				}
				continue
			}
			if !ok {
				fail(i, "item %q absent, want quantity %d", a.ID, a.Quantity)
				continue
			}
			if item.Quantity != a.Quantity {
				fail(i, "item %q quantity = %d, want %d", a.ID, item.Quantity, a.Quantity)
			}

		case AssertConsuming:
			if got := ctrl.World().Inventory().IsConsuming(a.ID); got != a.Value {
				fail(i, "item %q consuming = %v, want %v", a.ID, got, a.Value)
			}

		case AssertQuestCompleted:
			found := false
			for _, q := range snap.Quests {
				if q.ID == a.ID {
					found = true
					if q.IsCompleted != a.Value {
						fail(i, "quest %q completed = %v, want %v", a.ID, q.IsCompleted, a.Value)
					}
				}
			}
			if !found {
				fail(i, "quest %q not present", a.ID)
			}

		case AssertNarrativeContains:
			found := false
			for _, entry := range snap.Narrative {
				if strings.Contains(entry.Text, a.Text) {
					found = true
					break
				}
			}
			if !found {
				fail(i, "no narrative entry contains %q", a.Text)
			}

		case AssertLedgerCount:
			if len(snap.Ledger) != a.Count {
				fail(i, "ledger has %d entries, want %d", len(snap.Ledger), a.Count)
			}

		case AssertSceneObjects:
			if len(snap.SceneObjects) != a.Count {
				fail(i, "%d scene objects, want %d", len(snap.SceneObjects), a.Count)
			}

		case AssertImageURL:
			if snap.Image.ImageURL != a.Text {
				fail(i, "image url = %q, want %q", snap.Image.ImageURL, a.Text)
			}
		}
	}
	return failures
}
