package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/types"
)

// ErrStalled is returned by Relay.Run when no frame arrives within the
// configured idle-stream timeout, the crash-recovery trigger condition the
// Orchestrator watches for.
var ErrStalled = errors.New("sse: agent stream stalled")

// Relay decodes one sandbox agent SSE response and re-emits it to the
// caller's channel with sequencing metadata attached. It owns cancellation
// of the stream read. The final done or error event it forwards is the
// agent's own frame; it does not emit one of its own, and error events for
// turns that fail outside the agent stream are emitted onto out by the
// Orchestrator. Mid-run side effects (file-sync triggers) are reported via onEvent
// rather than by the relay reaching into other packages.
type Relay struct {
	IdleTimeout time.Duration
	Log         zerolog.Logger
}

// Run reads frames from body until EOF, a decode error, or the idle
// timeout, translating each into a types.Event with an incrementing Seq
// and forwarding it on out. onEvent is called synchronously for every
// event (including unknown kinds) before it is sent, so the caller can
// trigger mid-run file-sync flushes on tool_result without a second
// listener on the same channel. Run does not itself write the terminal
// done/error event for a successful decode to EOF: a clean EOF without a
// terminating "done"/"error" frame from the agent is itself treated as a
// stall, since every turn must end with exactly one of the two.
func (r *Relay) Run(ctx context.Context, body io.ReadCloser, out chan<- types.Event, onEvent func(types.Event)) error {
	defer body.Close()

	decoded := make(chan Frame)
	decodeErr := make(chan error, 1)
	go func() {
		dec := NewDecoder(body)
		for {
			frame, err := dec.Next()
			if err != nil {
				if err == io.EOF {
					close(decoded)
					return
				}
				decodeErr <- err
				return
			}
			select {
			case decoded <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	var seq int64
	idle := r.idleTimeout()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return ErrStalled

		case err := <-decodeErr:
			return fmt.Errorf("sse relay: %w", err)

		case frame, ok := <-decoded:
			if !ok {
				// Clean EOF with no terminal frame observed: treat as a
				// stall so the orchestrator's crash-recovery path kicks in
				// rather than silently ending the turn with nothing sent.
				return ErrStalled
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			seq++
			ev := types.Event{
				Seq:       seq,
				Timestamp: time.Now(),
				Kind:      frame.Kind,
				Raw:       frame.Raw,
			}
			if err := decodePayload(frame, &ev); err != nil {
				r.Log.Warn().Err(err).Str("kind", string(frame.Kind)).Msg("failed to decode sse payload, forwarding raw")
			}

			onEvent(ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

			if frame.Kind == types.EventDone || frame.Kind == types.EventError {
				return nil
			}
		}
	}
}

func (r *Relay) idleTimeout() time.Duration {
	if r.IdleTimeout <= 0 {
		return 30 * time.Second
	}
	return r.IdleTimeout
}

func decodePayload(frame Frame, ev *types.Event) error {
	if len(frame.Raw) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(frame.Raw, &payload); err != nil {
		return err
	}
	ev.Payload = payload
	return nil
}
