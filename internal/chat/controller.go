// Package chat implements the turn controller: the state machine that
// drives one conversational turn end to end.
//
// Ownership rules: the controller is the only writer of the session
// store and the only holder of the live stream. Every state change
// happens under one mutex, so event foldings from the stream reader
// goroutine are serialized against switches and new turns.
//
// Cancellation is generation-based. Each turn captures the controller
// generation at start; SendTurn, SwitchSession and CreateAndSwitch
// all bump it. A callback whose captured generation no longer matches
// returns without touching anything — closing the stale stream's
// socket is advisory, the generation check is what actually revokes
// its right to mutate state.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/deepagent/sqlchat/internal/agent"
	"github.com/deepagent/sqlchat/internal/session"
	"github.com/deepagent/sqlchat/internal/transport"
	"github.com/deepagent/sqlchat/pkg/logger"
	"github.com/deepagent/sqlchat/pkg/util"
)

// Credentials is the slice of the auth store the controller needs:
// clearing the token after an authentication failure.
type Credentials interface {
	Clear()
}

// Transport is implemented by transport.Client.
type Transport interface {
	StartTurn(ctx context.Context, query, sessionID string) (*transport.TurnResponse, error)
	OpenStream(ctx context.Context, streamURL string) (*transport.Stream, error)
}

// Controller orchestrates turns against one session store.
type Controller struct {
	mu    sync.Mutex
	store *session.Store
	tc    Transport
	creds Credentials

	generation   uint64
	inFlight     bool
	errMsg       string
	authRequired bool
	stream       *transport.Stream

	// 本地会话 id → 后端 session_id 关联
	backendIDs map[string]string

	// notify fires after every externally visible state change, outside
	// the lock. Nil is fine.
	notify func()
}

// NewController builds a controller over the given collaborators.
func NewController(store *session.Store, tc Transport, creds Credentials) *Controller {
	return &Controller{
		store:      store,
		tc:         tc,
		creds:      creds,
		backendIDs: make(map[string]string),
	}
}

// SetNotify registers a change callback for the presentation layer.
func (c *Controller) SetNotify(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// ========================================
// 只读视图
// ========================================

// Sessions lists all sessions.
func (c *Controller) Sessions() []session.Summary { return c.store.Sessions() }

// CurrentSessionID returns the current session id.
func (c *Controller) CurrentSessionID() string { return c.store.CurrentID() }

// Messages returns the current session's transcript.
func (c *Controller) Messages() []session.Message { return c.store.CurrentMessages() }

// IsLoading reports whether a turn is in flight.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Error returns the current user-visible error string, empty if none.
func (c *Controller) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// AuthRequired reports whether the last failure was an authentication
// failure. Sticky until the next SendTurn.
func (c *Controller) AuthRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authRequired
}

// ClearError dismisses the current error surface.
func (c *Controller) ClearError() {
	c.mu.Lock()
	c.errMsg = ""
	c.mu.Unlock()
	c.fireNotify()
}

// ========================================
// 操作
// ========================================

// SendTurn submits one user query. Silent no-op when the text trims to
// empty or a turn is already in flight.
func (c *Controller) SendTurn(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.errMsg = ""
	c.authRequired = false

	sid := c.store.CurrentID()
	if sid == "" {
		sid = c.store.CreateSession()
	}

	c.generation++
	gen := c.generation
	backendID := c.backendIDs[sid]

	// 乐观写入: 用户消息 + 流式占位 assistant 消息, 先于任何网络调用
	c.store.AppendMessage(sid, session.Message{Role: session.RoleUser, Text: trimmed})
	c.store.AppendMessage(sid, session.Message{Role: session.RoleAssistant, Streaming: true})
	c.mu.Unlock()
	c.fireNotify()

	util.SafeGo(func() { c.runTurn(gen, sid, backendID, trimmed) })
}

// SwitchSession makes the named session current. Any open stream is
// torn down first; unknown ids are a silent no-op.
func (c *Controller) SwitchSession(id string) {
	if !c.store.Has(id) {
		return
	}
	c.mu.Lock()
	c.teardownLocked()
	c.store.SelectSession(id)
	c.mu.Unlock()
	c.fireNotify()
}

// CreateAndSwitch appends a fresh session and makes it current, after
// tearing down any open stream.
func (c *Controller) CreateAndSwitch() string {
	c.mu.Lock()
	c.teardownLocked()
	id := c.store.CreateSession()
	c.mu.Unlock()
	c.fireNotify()
	return id
}

// teardownLocked revokes the in-flight turn: bump the generation so
// stale callbacks become no-ops, close the socket, reset flags. The
// forced closure is a transport-level closure, so the abandoned
// placeholder's streaming flag flips off here — otherwise a later
// message in the same session would leave a non-final streaming
// message behind.
func (c *Controller) teardownLocked() {
	c.generation++
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	if c.inFlight {
		c.store.MutateLastMessage(c.store.CurrentID(), func(m *session.Message) {
			m.Streaming = false
		})
	}
	c.inFlight = false
	c.errMsg = ""
	c.authRequired = false
}

// ========================================
// turn 执行 (stream reader goroutine)
// ========================================

// runTurn drives initiation and stream consumption for one turn. Every
// state mutation re-checks gen under the lock first.
func (c *Controller) runTurn(gen uint64, sid, backendID, text string) {
	tr, err := c.tc.StartTurn(context.Background(), text, backendID)
	if err != nil {
		c.failInitiation(gen, sid, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.backendIDs[sid] = tr.SessionID
	c.mu.Unlock()

	stream, err := c.tc.OpenStream(context.Background(), tr.StreamURL)
	if err != nil {
		c.failTransport(gen, sid, "connection failed: "+err.Error())
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	for ev := range stream.Events() {
		c.foldEvent(gen, sid, ev, stream)
	}
	c.streamEnded(gen, sid, stream)
}

// failInitiation rolls back the assistant placeholder and classifies
// the failure. The user message stays: it records what was asked.
func (c *Controller) failInitiation(gen uint64, sid string, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.store.RemoveLastMessage(sid)
	c.inFlight = false

	var ie *transport.InitiationError
	switch {
	case errors.As(err, &ie) && ie.Auth():
		c.authRequired = true
		c.errMsg = "authentication required, please log in"
		c.creds.Clear()
		logger.Warn("chat: turn rejected, auth required", logger.FieldSessionID, sid)
	case errors.As(err, &ie):
		c.errMsg = "request failed: " + ie.Body
		logger.Warn("chat: turn rejected", logger.FieldSessionID, sid, logger.FieldStatus, ie.StatusCode)
	default:
		c.errMsg = "request failed: " + err.Error()
		logger.Warn("chat: turn initiation failed", logger.FieldSessionID, sid, logger.FieldError, err)
	}
	c.mu.Unlock()
	c.fireNotify()
}

// failTransport finishes the turn after a broken channel: partial
// events stay, streaming flips off, no error event is synthesized.
func (c *Controller) failTransport(gen uint64, sid, msg string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.store.MutateLastMessage(sid, func(m *session.Message) { m.Streaming = false })
	c.inFlight = false
	c.errMsg = msg
	c.stream = nil
	c.mu.Unlock()
	c.fireNotify()
}

// foldEvent applies one decoded event to the open assistant message.
func (c *Controller) foldEvent(gen uint64, sid string, ev agent.Event, stream *transport.Stream) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	terminal := ev.Terminal()
	c.store.MutateLastMessage(sid, func(m *session.Message) {
		m.Events = append(m.Events, ev)
		if ev.Type == agent.EventToken {
			m.Text += ev.Content
		}
		if terminal {
			m.Streaming = false
		}
	})
	if terminal {
		c.inFlight = false
		c.stream = nil
		stream.Close()
	}
	c.mu.Unlock()
	c.fireNotify()
}

// streamEnded settles the turn once the event channel closes. A clean
// close after the terminal event needs no work; an abnormal close is a
// transport failure.
func (c *Controller) streamEnded(gen uint64, sid string, stream *transport.Stream) {
	err := stream.Err()
	if err == nil {
		c.mu.Lock()
		if gen == c.generation && c.stream == stream {
			c.stream = nil
		}
		c.mu.Unlock()
		return
	}
	c.failTransport(gen, sid, "connection lost: "+err.Error())
}

func (c *Controller) fireNotify() {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
