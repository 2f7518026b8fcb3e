package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/i18n"
	"loom/internal/protocol"
)

var testMessages = i18n.Static{
	"error.server":     "server error",
	"error.connection": "connection error",
	"error.schema":     "schema error",
}

// recorder collects callback invocations in order.
type recorder struct {
	mu        sync.Mutex
	events    []string
	deltas    []string
	badges    [][]string
	finals    []protocol.TurnOutput
	errs      []error
	completes int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStage: func(e protocol.StageEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "stage:"+e.Name+":"+e.Status)
		},
		OnBadges: func(b []string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "badges")
			r.badges = append(r.badges, b)
		},
		OnNarrativeDelta: func(t string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "delta")
			r.deltas = append(r.deltas, t)
		},
		OnFinal: func(out protocol.TurnOutput) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "final")
			r.finals = append(r.finals, out)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "error")
			r.errs = append(r.errs, err)
		},
		OnComplete: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "complete")
			r.completes++
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		events:    append([]string(nil), r.events...),
		deltas:    append([]string(nil), r.deltas...),
		badges:    append([][]string(nil), r.badges...),
		finals:    append([]protocol.TurnOutput(nil), r.finals...),
		errs:      append([]error(nil), r.errs...),
		completes: r.completes,
	}
}

const validFinal = `{"type":"final","data":{
	"narrative":"The door creaks open.",
	"economy":{"cost":{"signal":2,"memory_shard":0},"balance_after":{"signal":98,"memory_shard":5}},
	"safety":{"blocked":false}
}}`

func ndjsonServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/turn", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		f := w.(http.Flusher)
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
			f.Flush()
		}
	}))
}

func sampleInput() protocol.TurnInput {
	return protocol.TurnInput{
		Language:        "en",
		Text:            "open the door",
		EconomySnapshot: protocol.Balance{Signal: 100, MemoryShard: 5},
	}
}

func TestExecuteTurn_HappyPath(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"stage","name":"interpret","status":"start"}`,
		`{"type":"stage","name":"interpret","status":"complete"}`,
		`{"type":"badges","badges":["canon_ok"]}`,
		`{"type":"narrative_delta","text":"The door "}`,
		`{"type":"narrative_delta","text":"creaks open."}`,
		compactLine(validFinal),
	)
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.NoError(t, err)

	got := rec.snapshot()
	assert.Equal(t, []string{
		"stage:interpret:start",
		"stage:interpret:complete",
		"badges",
		"delta",
		"delta",
		"final",
		"complete",
	}, got.events)
	assert.Equal(t, []string{"The door ", "creaks open."}, got.deltas)
	require.Len(t, got.finals, 1)
	assert.Equal(t, "The door creaks open.", got.finals[0].Narrative)
	assert.Equal(t, protocol.Balance{Signal: 98, MemoryShard: 5}, got.finals[0].Economy.BalanceAfter)
	assert.Equal(t, 1, got.completes)
	assert.Equal(t, 0, c.RepairCount())
}

func TestExecuteTurn_FinalWithoutTrailingNewline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(compactLine(validFinal)))
	}))
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.NoError(t, err)

	got := rec.snapshot()
	require.Len(t, got.finals, 1)
	assert.Equal(t, "The door creaks open.", got.finals[0].Narrative)
}

func TestExecuteTurn_MalformedLineDoesNotSuppressLaterEvents(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"narrative_delta","text":"before"}`,
		`{oops not json`,
		`{"type":"narrative_delta","text":"after"}`,
		compactLine(validFinal),
	)
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.NoError(t, err)

	got := rec.snapshot()
	assert.Equal(t, []string{"before", "after"}, got.deltas)
	assert.Len(t, got.finals, 1)
}

func TestExecuteTurn_UnknownEventTypeSkipped(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"telemetry","payload":{"x":1}}`,
		compactLine(validFinal),
	)
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	require.NoError(t, c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks()))
	assert.Equal(t, []string{"final", "complete"}, rec.snapshot().events)
}

func TestExecuteTurn_StreamBreakAfterFinalFiresFinalOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(compactLine(validFinal) + "\n"))
		w.(http.Flusher).Flush()
		// Drop the connection mid-stream without a clean close. The client
		// sees a read error after the final event was already delivered.
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.NoError(t, err)

	got := rec.snapshot()
	assert.Equal(t, []string{"final", "complete"}, got.events)
	require.Len(t, got.finals, 1)
	// The server's final stands; no snapshot fallback replaces it.
	assert.Equal(t, "The door creaks open.", got.finals[0].Narrative)
	assert.Equal(t, protocol.Balance{Signal: 98, MemoryShard: 5}, got.finals[0].Economy.BalanceAfter)
	assert.Empty(t, got.errs)
	assert.Equal(t, 1, got.completes)
	assert.Equal(t, 0, c.RepairCount())
}

func TestExecuteTurn_DuplicateFinalDropped(t *testing.T) {
	secondFinal := `{"type":"final","data":{
		"narrative":"A second ending.",
		"economy":{"cost":{"signal":50,"memory_shard":1},"balance_after":{"signal":1,"memory_shard":1}},
		"safety":{"blocked":false}
	}}`
	srv := ndjsonServer(t,
		compactLine(validFinal),
		compactLine(secondFinal),
	)
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.NoError(t, err)

	got := rec.snapshot()
	assert.Equal(t, []string{"final", "complete"}, got.events)
	require.Len(t, got.finals, 1)
	assert.Equal(t, "The door creaks open.", got.finals[0].Narrative)
}

func TestExecuteTurn_EventsAfterFinalDropped(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"narrative_delta","text":"before"}`,
		compactLine(validFinal),
		`{"type":"stage","name":"straggler","status":"start"}`,
		`{"type":"narrative_delta","text":"after"}`,
	)
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.NoError(t, err)

	got := rec.snapshot()
	assert.Equal(t, []string{"delta", "final", "complete"}, got.events)
	assert.Equal(t, []string{"before"}, got.deltas)
	assert.Len(t, got.finals, 1)
}

func TestExecuteTurn_ServerErrorPreservesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	input := sampleInput()
	input.EconomySnapshot = protocol.Balance{Signal: 37, MemoryShard: 2}

	err := c.ExecuteTurn(context.Background(), input, rec.callbacks())
	require.Error(t, err)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeStream, se.Code)
	assert.Equal(t, http.StatusInternalServerError, se.Status)

	got := rec.snapshot()
	assert.Equal(t, []string{"error", "final", "complete"}, got.events)
	require.Len(t, got.finals, 1)
	out := got.finals[0]
	assert.Equal(t, "server error", out.Narrative)
	assert.Equal(t, protocol.Balance{Signal: 37, MemoryShard: 2}, out.Economy.BalanceAfter,
		"fallback preserves the snapshot exactly")
	assert.Equal(t, protocol.Balance{}, out.Economy.Cost)
	assert.Contains(t, out.AgentConsole.Badges, protocol.BadgeSchemaFail)
	assert.Equal(t, 1, c.RepairCount())
}

func TestExecuteTurn_ConnectionErrorPreservesSnapshot(t *testing.T) {
	// Point at a closed server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.Error(t, err)
	assert.True(t, IsConnectError(err))

	got := rec.snapshot()
	require.Len(t, got.finals, 1)
	assert.Equal(t, "connection error", got.finals[0].Narrative)
	assert.Equal(t, protocol.Balance{Signal: 100, MemoryShard: 5}, got.finals[0].Economy.BalanceAfter)
	assert.Equal(t, 1, got.completes)
}

func TestExecuteTurn_InvalidFinalPayloadFallsBack(t *testing.T) {
	// Negative balance violates the contract; the validator must reject
	// it and the fallback must keep the snapshot.
	srv := ndjsonServer(t,
		`{"type":"final","data":{"narrative":"x","economy":{"cost":{"signal":0,"memory_shard":0},"balance_after":{"signal":-5,"memory_shard":1}},"safety":{"blocked":false}}}`,
	)
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.NoError(t, err, "a validation failure is not a transport failure")

	got := rec.snapshot()
	assert.Equal(t, []string{"error", "final", "complete"}, got.events)
	require.Len(t, got.finals, 1)
	out := got.finals[0]
	assert.Equal(t, "schema error", out.Narrative)
	assert.Equal(t, protocol.Balance{Signal: 100, MemoryShard: 5}, out.Economy.BalanceAfter)
	assert.Equal(t, 1, out.AgentConsole.RepairCount)
	assert.Equal(t, 1, c.RepairCount())
}

func TestExecuteTurn_StreamEndsWithoutFinal(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"stage","name":"interpret","status":"start"}`,
		`{"type":"narrative_delta","text":"half a story"}`,
	)
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	err := c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	require.Error(t, err)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeStream, se.Code)

	got := rec.snapshot()
	require.Len(t, got.finals, 1)
	assert.Equal(t, "server error", got.finals[0].Narrative)
	assert.Equal(t, 1, got.completes)
}

func TestExecuteTurn_RepairCountAccumulates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, testMessages)
	for i := 0; i < 3; i++ {
		rec := &recorder{}
		_ = c.ExecuteTurn(context.Background(), sampleInput(), rec.callbacks())
	}
	assert.Equal(t, 3, c.RepairCount())
}

func TestStart_CancelSuppressesCallbacks(t *testing.T) {
	release := make(chan struct{})
	firstEvent := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"type":"stage","name":"interpret","status":"start"}` + "\n"))
		f.Flush()
		close(firstEvent)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	done := make(chan struct{})
	cb := rec.callbacks()
	inner := cb.OnComplete
	cb.OnComplete = func() {
		inner()
		close(done)
	}

	cancel := c.Start(sampleInput(), cb)

	select {
	case <-firstEvent:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the turn")
	}
	cancel()

	// The aborted request unwinds without invoking guarded callbacks; give
	// the goroutine a moment to finish.
	select {
	case <-done:
		t.Fatal("OnComplete fired after cancellation")
	case <-time.After(200 * time.Millisecond):
	}

	got := rec.snapshot()
	assert.Zero(t, got.completes)
	assert.Empty(t, got.finals)
	assert.Empty(t, got.errs)
}

func TestStart_CompletesWithoutCancel(t *testing.T) {
	srv := ndjsonServer(t, compactLine(validFinal))
	defer srv.Close()

	c := New(srv.URL, testMessages)
	rec := &recorder{}
	done := make(chan struct{})
	cb := rec.callbacks()
	inner := cb.OnComplete
	cb.OnComplete = func() {
		inner()
		close(done)
	}

	_ = c.Start(sampleInput(), cb)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never completed")
	}

	got := rec.snapshot()
	assert.Equal(t, 1, got.completes)
	require.Len(t, got.finals, 1)
}

// compactLine strips the formatting newlines out of a multi-line literal so
// it can travel as a single NDJSON line.
func compactLine(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\t' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
