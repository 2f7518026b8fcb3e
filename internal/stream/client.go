// Package stream executes turns against the agent backend and dispatches
// the resulting NDJSON event stream to callbacks in decode order.
//
// Every way a turn can end produces exactly one OnFinal callback with a
// usable TurnOutput: the validated server payload on success, an
// economy-safe fallback on transport or validation failure. The fallback
// always carries the caller's economy snapshot unchanged, so a failed turn
// can never mint or destroy balance.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"loom/internal/i18n"
	"loom/internal/ndjson"
	"loom/internal/protocol"
	"loom/internal/schema"
)

const defaultEndpoint = "/api/turn"

// StreamError represents a transport-level turn failure.
type StreamError struct {
	// Code identifies the error category.
	Code StreamErrorCode

	// Status is the HTTP status code, when a response was received.
	Status int

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// StreamErrorCode categorizes stream errors.
type StreamErrorCode string

const (
	// ErrCodeConnect indicates the request never produced a response, or
	// the response body broke mid-stream.
	ErrCodeConnect StreamErrorCode = "CONNECT_ERROR"

	// ErrCodeStream indicates the server answered but the stream was not
	// usable: a non-2xx status or a stream that ended without a final
	// event.
	ErrCodeStream StreamErrorCode = "STREAM_ERROR"
)

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StreamError) Unwrap() error { return e.Cause }

// IsConnectError returns true if the error is a connection-level failure.
// Uses errors.As to handle wrapped errors.
func IsConnectError(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code == ErrCodeConnect
	}
	return false
}

// Callbacks receive stream events in the exact order they were decoded.
// Nil members are skipped. OnFinal fires exactly once per executed turn and
// OnComplete fires exactly once after it, regardless of how the turn ended.
type Callbacks struct {
	OnStage          func(protocol.StageEvent)
	OnBadges         func([]string)
	OnNarrativeDelta func(text string)
	OnFinal          func(protocol.TurnOutput)
	OnError          func(error)
	OnComplete       func()
}

// Client executes turns against a single backend endpoint. Safe for use by
// one session; turns are expected to run one at a time.
type Client struct {
	http       *http.Client
	baseURL    string
	endpoint   string
	translator i18n.Translator
	logger     *slog.Logger

	mu      sync.Mutex
	repairs int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for turn requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithEndpoint overrides the turn endpoint path.
func WithEndpoint(path string) Option {
	return func(c *Client) { c.endpoint = path }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a turn stream client for the given base URL.
func New(baseURL string, translator i18n.Translator, opts ...Option) *Client {
	c := &Client{
		http:       http.DefaultClient,
		baseURL:    baseURL,
		endpoint:   defaultEndpoint,
		translator: translator,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RepairCount returns how many turns have degraded to a fallback output
// since the client was created.
func (c *Client) RepairCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repairs
}

func (c *Client) bumpRepairs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairs++
	return c.repairs
}

// Start executes the turn on a new goroutine and returns a cancellation
// handle. After cancel returns, no further callbacks fire; the in-flight
// request may still complete on the wire, but its results are discarded.
func (c *Client) Start(input protocol.TurnInput, cb Callbacks) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	var cancelled atomic.Bool

	guarded := Callbacks{
		OnStage: func(e protocol.StageEvent) {
			if !cancelled.Load() && cb.OnStage != nil {
				cb.OnStage(e)
			}
		},
		OnBadges: func(b []string) {
			if !cancelled.Load() && cb.OnBadges != nil {
				cb.OnBadges(b)
			}
		},
		OnNarrativeDelta: func(t string) {
			if !cancelled.Load() && cb.OnNarrativeDelta != nil {
				cb.OnNarrativeDelta(t)
			}
		},
		OnFinal: func(out protocol.TurnOutput) {
			if !cancelled.Load() && cb.OnFinal != nil {
				cb.OnFinal(out)
			}
		},
		OnError: func(err error) {
			if !cancelled.Load() && cb.OnError != nil {
				cb.OnError(err)
			}
		},
		OnComplete: func() {
			if !cancelled.Load() && cb.OnComplete != nil {
				cb.OnComplete()
			}
		},
	}

	go c.ExecuteTurn(ctx, input, guarded)

	return func() {
		cancelled.Store(true)
		stop()
	}
}

// ExecuteTurn runs one turn to completion, dispatching events as they
// decode. It always ends with exactly one OnFinal followed by exactly one
// OnComplete. The returned error mirrors what OnError received, for callers
// that prefer synchronous handling.
func (c *Client) ExecuteTurn(ctx context.Context, input protocol.TurnInput, cb Callbacks) error {
	var once sync.Once
	defer func() {
		// A panic-free turn always reaches finish(); this covers early
		// returns that already finished.
		once.Do(func() {
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
		})
	}()
	finish := func() {
		once.Do(func() {
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
		})
	}

	fail := func(streamErr *StreamError, narrativeKey string) error {
		c.logger.Warn("turn failed",
			slog.String("code", string(streamErr.Code)),
			slog.Int("status", streamErr.Status),
			slog.String("error", streamErr.Message))
		out := schema.Fallback(schema.FallbackOptions{
			Translator:  c.translator,
			RepairCount: c.bumpRepairs(),
			Snapshot:    &input.EconomySnapshot,
		})
		if c.translator != nil {
			out.Narrative = c.translator.T(narrativeKey, nil)
		}
		if cb.OnError != nil {
			cb.OnError(streamErr)
		}
		if cb.OnFinal != nil {
			cb.OnFinal(out)
		}
		finish()
		return streamErr
	}

	body, err := json.Marshal(input)
	if err != nil {
		return fail(&StreamError{
			Code: ErrCodeConnect, Message: "encode turn input", Cause: err,
		}, "error.connection")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(&StreamError{
			Code: ErrCodeConnect, Message: "build request", Cause: err,
		}, "error.connection")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(&StreamError{
			Code: ErrCodeConnect, Message: "execute request", Cause: err,
		}, "error.connection")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(&StreamError{
			Code:    ErrCodeStream,
			Status:  resp.StatusCode,
			Message: "server rejected turn",
		}, "error.server")
	}

	parser := ndjson.New(c.logger)
	var finalSeen bool
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range parser.Feed(buf[:n]) {
				// The final event is terminal: anything after it, including
				// a duplicate final from a misbehaving server, is dropped so
				// OnFinal fires exactly once.
				if finalSeen {
					c.logger.Warn("stream event after final, dropped")
					continue
				}
				if c.dispatch(line, input, cb) {
					finalSeen = true
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// A transport failure after the final event must not synthesize
			// a second final; the turn already completed.
			if finalSeen {
				c.logger.Warn("stream error after final event",
					slog.String("error", readErr.Error()))
				break
			}
			return fail(&StreamError{
				Code: ErrCodeConnect, Message: "read stream", Cause: readErr,
			}, "error.connection")
		}
	}

	// A final line without a trailing newline is still a final line.
	if tail, ok := parser.Flush(); ok && !finalSeen {
		if c.dispatch(tail, input, cb) {
			finalSeen = true
		}
	}

	if !finalSeen {
		return fail(&StreamError{
			Code:    ErrCodeStream,
			Message: "stream ended without final event",
		}, "error.server")
	}

	finish()
	return nil
}

// dispatch routes one decoded line to its callback. Returns true when the
// line was a final event, which also ends the turn payload-wise. Unknown
// event types are skipped so the protocol can grow without breaking older
// clients.
func (c *Client) dispatch(line json.RawMessage, input protocol.TurnInput, cb Callbacks) (final bool) {
	base, err := protocol.DecodeBase(line)
	if err != nil {
		c.logger.Warn("undecodable stream event", slog.String("error", err.Error()))
		return false
	}

	switch base.Type {
	case protocol.EventStage:
		var e protocol.StageEvent
		if err := json.Unmarshal(line, &e); err != nil {
			c.logger.Warn("bad stage event", slog.String("error", err.Error()))
			return false
		}
		if cb.OnStage != nil {
			cb.OnStage(e)
		}

	case protocol.EventBadges:
		var e protocol.BadgesEvent
		if err := json.Unmarshal(line, &e); err != nil {
			c.logger.Warn("bad badges event", slog.String("error", err.Error()))
			return false
		}
		if cb.OnBadges != nil {
			cb.OnBadges(e.Badges)
		}

	case protocol.EventNarrativeDelta:
		var e protocol.NarrativeDeltaEvent
		if err := json.Unmarshal(line, &e); err != nil {
			c.logger.Warn("bad narrative delta", slog.String("error", err.Error()))
			return false
		}
		if cb.OnNarrativeDelta != nil {
			cb.OnNarrativeDelta(e.Text)
		}

	case protocol.EventFinal:
		var e protocol.FinalEvent
		if err := json.Unmarshal(line, &e); err != nil {
			c.logger.Warn("bad final event", slog.String("error", err.Error()))
			return false
		}
		res := schema.SafeParse(e.Data, schema.FallbackOptions{
			Translator:  c.translator,
			RepairCount: c.RepairCount() + 1,
			Snapshot:    &input.EconomySnapshot,
		})
		if !res.OK {
			c.bumpRepairs()
			c.logger.Warn("final payload failed validation", slog.String("error", res.Err.Error()))
			if cb.OnError != nil {
				cb.OnError(res.Err)
			}
		}
		if cb.OnFinal != nil {
			cb.OnFinal(res.Output)
		}
		return true

	default:
		c.logger.Debug("unknown stream event type", slog.String("type", base.Type))
	}
	return false
}
