package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoSession means the target has no live session to deliver into.
	ErrNoSession = errors.New("no active session")
	// ErrMailboxFull means the session mailbox is at capacity.
	ErrMailboxFull = errors.New("session mailbox full")
)

// DefaultMailboxSize bounds each session mailbox.
const DefaultMailboxSize = 32

// SessionChannel resumes a running agent session for message delivery.
// Implementations must tolerate being called while the agent is busy.
type SessionChannel interface {
	Resume(ctx context.Context, sessionRef string) (SessionHandle, error)
}

// SessionHandle sends a message into a resumed session. SendMessage only
// enqueues; the agent drains its mailbox at its own pace.
type SessionHandle interface {
	SendMessage(ctx context.Context, text string) error
}

// Message is one queued message in a session mailbox.
type Message struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// MailboxChannel is an in-memory SessionChannel with one bounded mailbox per session.
type MailboxChannel struct {
	mu        sync.RWMutex
	mailboxes map[string]chan Message
	size      int
	now       func() time.Time
}

// NewMailboxChannel creates a channel whose mailboxes hold size messages.
func NewMailboxChannel(size int) *MailboxChannel {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &MailboxChannel{
		mailboxes: make(map[string]chan Message),
		size:      size,
		now:       time.Now,
	}
}

// Open creates the mailbox for a session. Opening an open session is a no-op.
func (c *MailboxChannel) Open(sessionRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mailboxes[sessionRef]; !ok {
		c.mailboxes[sessionRef] = make(chan Message, c.size)
	}
}

// Close removes a session's mailbox. Undrained messages are discarded.
func (c *MailboxChannel) Close(sessionRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mailboxes, sessionRef)
}

// Resume implements SessionChannel.
func (c *MailboxChannel) Resume(ctx context.Context, sessionRef string) (SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	box, ok := c.mailboxes[sessionRef]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	return &mailboxHandle{box: box, now: c.now}, nil
}

// Drain removes and returns every queued message for a session, oldest first.
func (c *MailboxChannel) Drain(sessionRef string) ([]Message, error) {
	c.mu.RLock()
	box, ok := c.mailboxes[sessionRef]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}

	var out []Message
	for {
		select {
		case m := <-box:
			out = append(out, m)
		default:
			return out, nil
		}
	}
}

// Pending returns how many messages wait in a session's mailbox.
func (c *MailboxChannel) Pending(sessionRef string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mailboxes[sessionRef])
}

type mailboxHandle struct {
	box chan Message
	now func() time.Time
}

func (h *mailboxHandle) SendMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case h.box <- Message{Text: text, At: h.now().UTC()}:
		return nil
	default:
		return ErrMailboxFull
	}
}
