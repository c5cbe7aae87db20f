package testutil

import (
	"context"
	"sync"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// Sent is a message the fake transport accepted.
type Sent struct {
	Ref messaging.Ref
	messaging.Outgoing
}

// Edit records an in-place edit.
type Edit struct {
	Ref      messaging.Ref
	Text     string
	Keyboard messaging.Keyboard
	OnlyKB   bool
}

// Transport records every call and hands out increasing message ids.
type Transport struct {
	mu        sync.Mutex
	nextID    int
	sent      []Sent
	edits     []Edit
	deleted   []messaging.Ref
	pinned    []messaging.Ref
	forwarded []Sent
	answers   []string

	// FailChats makes Send and Forward into these chats fail.
	FailChats map[int64]bool
	// OnSend runs after a successful Send, outside the lock.
	OnSend func(s Sent)
}

func NewTransport() *Transport {
	return &Transport{FailChats: make(map[int64]bool)}
}

func (t *Transport) Send(_ context.Context, msg messaging.Outgoing) *messaging.Ref {
	t.mu.Lock()
	if t.FailChats[msg.ChatID] {
		t.mu.Unlock()
		return nil
	}
	t.nextID++
	ref := messaging.Ref{ChatID: msg.ChatID, MessageID: t.nextID}
	s := Sent{Ref: ref, Outgoing: msg}
	t.sent = append(t.sent, s)
	hook := t.OnSend
	t.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return &ref
}

func (t *Transport) Edit(_ context.Context, ref messaging.Ref, text string, kb messaging.Keyboard) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = append(t.edits, Edit{Ref: ref, Text: text, Keyboard: kb})
	return true
}

func (t *Transport) EditKeyboard(_ context.Context, ref messaging.Ref, kb messaging.Keyboard) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = append(t.edits, Edit{Ref: ref, Keyboard: kb, OnlyKB: true})
	return true
}

func (t *Transport) Delete(_ context.Context, ref messaging.Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, ref)
	return true
}

func (t *Transport) Forward(_ context.Context, toChatID int64, from messaging.Ref) *messaging.Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailChats[toChatID] {
		return nil
	}
	t.nextID++
	ref := messaging.Ref{ChatID: toChatID, MessageID: t.nextID}
	t.forwarded = append(t.forwarded, Sent{Ref: ref, Outgoing: messaging.Outgoing{ChatID: from.ChatID, ReplyTo: from.MessageID}})
	return &ref
}

func (t *Transport) Pin(_ context.Context, ref messaging.Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinned = append(t.pinned, ref)
	return true
}

func (t *Transport) AnswerInteraction(_ context.Context, _ string, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers = append(t.answers, text)
	return true
}

// SentTo returns the messages sent into chatID in order.
func (t *Transport) SentTo(chatID int64) []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Sent
	for _, s := range t.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

// Texts returns the texts sent into chatID in order.
func (t *Transport) Texts(chatID int64) []string {
	var out []string
	for _, s := range t.SentTo(chatID) {
		out = append(out, s.Text)
	}
	return out
}

func (t *Transport) Edits() []Edit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Edit(nil), t.edits...)
}

func (t *Transport) Deleted() []messaging.Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]messaging.Ref(nil), t.deleted...)
}

func (t *Transport) Pinned() []messaging.Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]messaging.Ref(nil), t.pinned...)
}

func (t *Transport) Forwarded() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.forwarded...)
}

func (t *Transport) Answers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.answers...)
}
