// Package session holds the ordered collection of conversations and
// their transcripts.
//
// All transcript mutation is copy-on-write: a mutation builds a new
// message slice and swaps it in whole, so a reader holding a slice
// returned by Messages never observes a partially updated transcript.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/deepagent/sqlchat/internal/agent"
	"github.com/deepagent/sqlchat/pkg/util"
)

// Role 消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is shown until the session has a user message to derive
// a title from.
const DefaultTitle = "New Chat"

// Message is one transcript entry. A user message is immutable once
// appended; an assistant message mutates in place while Streaming is
// true and freezes when it flips false.
type Message struct {
	Role      Role
	Text      string
	Events    []agent.Event
	Streaming bool
}

// Session is one conversation.
type Session struct {
	ID         string
	Title      string
	Transcript []Message
}

// Summary is the read-only session listing exposed to consumers.
type Summary struct {
	ID           string
	Title        string
	MessageCount int
}

// Store owns every session. Writes go through the Turn Controller;
// everything else reads.
type Store struct {
	mu            sync.Mutex
	order         []string
	sessions      map[string]*Session
	currentID     string
	titleMaxRunes int
}

// NewStore creates an empty store. titleMaxRunes bounds derived titles
// before the ellipsis is appended.
func NewStore(titleMaxRunes int) *Store {
	return &Store{
		sessions:      make(map[string]*Session),
		titleMaxRunes: titleMaxRunes,
	}
}

// CreateSession appends a new empty session and makes it current.
func (s *Store) CreateSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.sessions[id] = &Session{ID: id, Title: DefaultTitle}
	s.order = append(s.order, id)
	s.currentID = id
	return id
}

// SelectSession makes the named session current. Unknown ids are a
// silent no-op: the id space is opaque to callers.
func (s *Store) SelectSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return
	}
	s.currentID = id
}

// Has reports whether the id names a known session.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// CurrentID returns the current session id, empty when no session
// exists yet.
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Sessions lists all sessions in creation order.
func (s *Store) Sessions() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		sess := s.sessions[id]
		out = append(out, Summary{ID: sess.ID, Title: sess.Title, MessageCount: len(sess.Transcript)})
	}
	return out
}

// Title returns the named session's display title.
func (s *Store) Title(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Title
	}
	return ""
}

// Messages returns the named session's transcript as a read-only view.
// The returned slice is never mutated after being handed out.
func (s *Store) Messages(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Transcript
	}
	return nil
}

// CurrentMessages returns the current session's transcript.
func (s *Store) CurrentMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[s.currentID]; ok {
		return sess.Transcript
	}
	return nil
}

// AppendMessage appends a message to the named session's transcript.
// Silent no-op on unknown ids.
func (s *Store) AppendMessage(id string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	s.pushMessageLocked(sess, msg)
	s.recomputeTitleLocked(sess)
}

// MutateLastMessage applies fn to the last message of the named
// session if that message is an assistant message. No-op otherwise.
func (s *Store) MutateLastMessage(id string, fn func(*Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || len(sess.Transcript) == 0 {
		return
	}
	last := len(sess.Transcript) - 1
	if sess.Transcript[last].Role != RoleAssistant {
		return
	}
	s.patchMessageLocked(sess, last, fn)
	s.recomputeTitleLocked(sess)
}

// RemoveLastMessage drops the named session's last message. Used only
// for the optimistic-placeholder rollback after a failed initiation.
func (s *Store) RemoveLastMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || len(sess.Transcript) == 0 {
		return
	}
	list := append([]Message{}, sess.Transcript[:len(sess.Transcript)-1]...)
	sess.Transcript = list
	s.recomputeTitleLocked(sess)
}

// pushMessageLocked appends copy-on-write: new slice, then swap.
func (s *Store) pushMessageLocked(sess *Session, msg Message) {
	list := append([]Message{}, sess.Transcript...)
	list = append(list, msg)
	sess.Transcript = list
}

// patchMessageLocked rewrites one message copy-on-write. fn receives a
// copy; the patched copy replaces the original in a fresh slice.
func (s *Store) patchMessageLocked(sess *Session, index int, fn func(*Message)) {
	list := append([]Message{}, sess.Transcript...)
	if index < 0 || index >= len(list) {
		return
	}
	msg := list[index]
	// events 同样写时复制, 冻结前交出去的视图不被后续折叠改写
	msg.Events = append([]agent.Event{}, msg.Events...)
	fn(&msg)
	list[index] = msg
	sess.Transcript = list
}

// recomputeTitleLocked derives the title from the first user message.
// Idempotent; runs after every mutation.
func (s *Store) recomputeTitleLocked(sess *Session) {
	for _, msg := range sess.Transcript {
		if msg.Role != RoleUser {
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		sess.Title = util.TruncateEllipsis(text, s.titleMaxRunes)
		return
	}
	sess.Title = DefaultTitle
}
