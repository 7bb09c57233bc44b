// stream.go — SSE stream reader: one goroutine per live stream,
// decoded events delivered over a channel, deterministic teardown.
package transport

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deepagent/sqlchat/internal/agent"
	apperrors "github.com/deepagent/sqlchat/pkg/errors"
	"github.com/deepagent/sqlchat/pkg/logger"
	"github.com/deepagent/sqlchat/pkg/util"
)

// Stream lifecycle states.
const (
	StateOpening int32 = iota
	StateOpen
	StateClosed
)

// Stream is a single live SSE channel. Events arrive on Events() in
// wire order; when the channel closes, Err() tells normal completion
// apart from transport failure.
//
// Close is idempotent and advisory: it cancels the reader, but the
// caller's generation check — not this close — is what guarantees no
// further state mutation.
type Stream struct {
	id     string
	events chan agent.Event
	cancel context.CancelFunc
	state  atomic.Int32
	closed atomic.Bool

	mu      sync.Mutex
	err     error
	sawDone bool

	idleTimeout time.Duration
	timedOut    atomic.Bool
}

// ID returns the stream's log correlation id.
func (s *Stream) ID() string { return s.id }

// Events returns the ordered event channel. It is closed exactly once,
// after the last event.
func (s *Stream) Events() <-chan agent.Event { return s.events }

// State reports the current lifecycle state.
func (s *Stream) State() int32 { return s.state.Load() }

// Err reports how the stream ended. nil means a normal close: the
// terminal event arrived, or the consumer called Close. Valid once
// Events() is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down. Safe to call any number of times, from
// any goroutine.
func (s *Stream) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// OpenStream connects to an SSE stream URL and starts the reader
// goroutine. The stream lives until the server closes it, the idle
// watchdog fires, or the consumer calls Close.
func (c *Client) OpenStream(ctx context.Context, streamURL string) (*Stream, error) {
	const op = "Transport.OpenStream"

	s := &Stream{
		id:          uuid.NewString(),
		events:      make(chan agent.Event, 16),
		idleTimeout: c.idleTimeout,
	}
	s.state.Store(StateOpening)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	fullURL := c.resolveStreamURL(streamURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(err, op, "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// 流的生命周期由 ctx 控制, 不能套用普通请求超时
	streamCli := &http.Client{Transport: c.httpCli.Transport}
	resp, err := streamCli.Do(req)
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(err, op, "connect failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, apperrors.Wrapf(apperrors.ErrInternal, op, "unexpected status %d", resp.StatusCode)
	}

	s.state.Store(StateOpen)
	logger.Info("transport: stream open", logger.FieldStreamID, s.id, logger.FieldURL, streamURL)

	util.SafeGo(func() { s.readLoop(ctx, resp) })
	return s, nil
}

// readLoop consumes SSE frames until the connection ends, then closes
// the event channel and records the outcome.
func (s *Stream) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	var idle *time.Timer
	if s.idleTimeout > 0 {
		idle = time.AfterFunc(s.idleTimeout, func() {
			s.timedOut.Store(true)
			s.cancel()
		})
		defer idle.Stop()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data []string
	for scanner.Scan() {
		if idle != nil {
			idle.Reset(s.idleTimeout)
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if len(data) > 0 {
				s.dispatch(ctx, strings.Join(data, "\n"))
				data = nil
			}
		default:
			// event:/id:/retry:/comment lines — the wire contract
			// carries everything inside the data payload
		}
	}
	if len(data) > 0 {
		s.dispatch(ctx, strings.Join(data, "\n"))
	}

	s.finish(scanner.Err())
}

// dispatch decodes one frame and hands it to the consumer. A frame
// that fails to decode is dropped and logged; it never ends the stream.
func (s *Stream) dispatch(ctx context.Context, payload string) {
	ev, err := agent.Decode([]byte(payload))
	if err != nil {
		logger.Warn("transport: dropping malformed frame",
			logger.FieldStreamID, s.id,
			logger.FieldError, err,
			logger.FieldDataLen, len(payload),
		)
		return
	}
	if ev.Terminal() {
		s.mu.Lock()
		s.sawDone = true
		s.mu.Unlock()
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// finish records the stream outcome and closes the event channel.
func (s *Stream) finish(scanErr error) {
	s.mu.Lock()
	switch {
	case s.sawDone:
		// terminal event delivered; server-side close is the normal end
	case s.closed.Load():
		// consumer tore the stream down; not a failure
	case s.timedOut.Load():
		s.err = apperrors.Wrap(apperrors.ErrTimeout, "Transport.Stream", "no frame within idle window")
	case scanErr != nil:
		s.err = apperrors.Wrap(scanErr, "Transport.Stream", "connection lost")
	default:
		s.err = apperrors.Wrap(apperrors.ErrStreamClosed, "Transport.Stream", "connection closed before terminal event")
	}
	err := s.err
	s.mu.Unlock()

	s.state.Store(StateClosed)
	s.cancel()
	close(s.events)

	if err != nil {
		logger.Warn("transport: stream ended abnormally", logger.FieldStreamID, s.id, logger.FieldError, err)
	} else {
		logger.Info("transport: stream closed", logger.FieldStreamID, s.id)
	}
}
