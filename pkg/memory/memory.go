// Package memory keeps a bounded, serializable view of the conversation so that context
// survives a full reconnect of the realtime session.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voxtalk/pkg/reconciler"
)

// DefaultWindow is the number of most recent messages kept verbatim.
const DefaultWindow = 12

// ContinuationDirective closes every resumption context.
const ContinuationDirective = "Continue the conversation seamlessly from the last message. Do not say hello again or reintroduce yourself."

type LearningContext struct {
	Corrections []string `json:"corrections,omitempty"`
	Objectives  []string `json:"objectives,omitempty"`
	Notes       []string `json:"notes,omitempty"`
}

type SessionMetadata struct {
	Language  string    `json:"language"`
	Level     string    `json:"level"`
	Topic     string    `json:"topic,omitempty"`
	PlanID    string    `json:"planId,omitempty"`
	StartTime time.Time `json:"startTime"`
}

// Memory is derived state. It never aliases the reconciler's messages.
type Memory struct {
	RecentMessages      []reconciler.Message `json:"recentMessages"`
	ConversationSummary string               `json:"conversationSummary,omitempty"`
	LearningContext     LearningContext      `json:"learningContext"`
	SessionMetadata     SessionMetadata      `json:"sessionMetadata"`
	TotalMessages       int                  `json:"totalMessages"`
}

func (m Memory) clone() Memory {
	out := m
	out.RecentMessages = reconciler.CloneMessages(m.RecentMessages)
	out.LearningContext = LearningContext{
		Corrections: append([]string(nil), m.LearningContext.Corrections...),
		Objectives:  append([]string(nil), m.LearningContext.Objectives...),
		Notes:       append([]string(nil), m.LearningContext.Notes...),
	}
	return out
}

// Empty reports whether there is anything worth resuming from.
func (m Memory) Empty() bool {
	return len(m.RecentMessages) == 0 && m.ConversationSummary == ""
}

type Option func(*Manager)

func WithWindow(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.window = n
		}
	}
}

// Manager rebuilds memory from message snapshots and persists it under one session key.
type Manager struct {
	mu     sync.Mutex
	store  Store
	key    string
	window int
	mem    Memory
}

func NewManager(store Store, key string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		key:    key,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Key() string { return m.key }

// Load restores memory persisted earlier under the same session key.
func (m *Manager) Load(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	mem, ok, err := m.store.Load(ctx, m.key)
	if err != nil || !ok {
		return false, err
	}
	m.mu.Lock()
	m.mem = mem.clone()
	m.mu.Unlock()
	log.Info().Str("component", "memory").Str("session_key", m.key).
		Int("recent", len(mem.RecentMessages)).Msg("restored conversation memory")
	return true, nil
}

// Begin records the parameters of a new or resumed conversation. Learning context and
// messages are kept when resuming the same topic.
func (m *Manager) Begin(meta SessionMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.mem.SessionMetadata
	if prev.Language != meta.Language || prev.Level != meta.Level || prev.Topic != meta.Topic {
		m.mem = Memory{}
	}
	if meta.StartTime.IsZero() {
		meta.StartTime = time.Now()
	}
	if !prev.StartTime.IsZero() && m.mem.TotalMessages > 0 {
		meta.StartTime = prev.StartTime
	}
	m.mem.SessionMetadata = meta
}

// Update rebuilds memory from a message snapshot and persists it.
func (m *Manager) Update(ctx context.Context, msgs []reconciler.Message) (Memory, error) {
	m.mu.Lock()
	start := 0
	if len(msgs) > m.window {
		start = len(msgs) - m.window
	}
	m.mem.RecentMessages = reconciler.CloneMessages(msgs[start:])
	m.mem.TotalMessages = len(msgs)
	if start > 0 && m.mem.ConversationSummary == "" {
		m.mem.ConversationSummary = summarize(msgs[:start])
	}
	snap := m.mem.clone()
	m.mu.Unlock()

	return snap, m.persist(ctx, snap)
}

func (m *Manager) AddCorrection(ctx context.Context, s string) error {
	return m.appendLearning(ctx, func(lc *LearningContext) { lc.Corrections = append(lc.Corrections, s) })
}

func (m *Manager) AddObjective(ctx context.Context, s string) error {
	return m.appendLearning(ctx, func(lc *LearningContext) { lc.Objectives = append(lc.Objectives, s) })
}

func (m *Manager) AddNote(ctx context.Context, s string) error {
	return m.appendLearning(ctx, func(lc *LearningContext) { lc.Notes = append(lc.Notes, s) })
}

func (m *Manager) appendLearning(ctx context.Context, fn func(*LearningContext)) error {
	m.mu.Lock()
	fn(&m.mem.LearningContext)
	snap := m.mem.clone()
	m.mu.Unlock()
	return m.persist(ctx, snap)
}

func (m *Manager) Snapshot() Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.clone()
}

// Clear forgets the conversation locally and in the store.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.mem = Memory{}
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, m.key)
}

func (m *Manager) persist(ctx context.Context, snap Memory) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, m.key, &snap); err != nil {
		log.Warn().Err(err).Str("component", "memory").Str("session_key", m.key).Msg("failed to persist conversation memory")
		return err
	}
	return nil
}

// summarize is a counts-only synopsis of evicted messages; it keeps no content.
func summarize(evicted []reconciler.Message) string {
	users, assistants := 0, 0
	for _, msg := range evicted {
		switch msg.Role {
		case reconciler.RoleUser:
			users++
		case reconciler.RoleAssistant:
			assistants++
		}
	}
	return fmt.Sprintf("Earlier in this conversation %d messages were exchanged (%d from the learner, %d from the tutor).",
		len(evicted), users, assistants)
}

// BuildResumptionContext renders memory into instructions for a new session.
func BuildResumptionContext(mem Memory) string {
	var b strings.Builder
	b.WriteString("This conversation was interrupted and is now resuming.\n")

	meta := mem.SessionMetadata
	if meta.Language != "" || meta.Level != "" {
		fmt.Fprintf(&b, "Practice language: %s. Learner level: %s.", meta.Language, meta.Level)
		if meta.Topic != "" {
			fmt.Fprintf(&b, " Topic: %s.", meta.Topic)
		}
		b.WriteString("\n")
	}
	if mem.ConversationSummary != "" {
		fmt.Fprintf(&b, "Summary of earlier conversation: %s\n", mem.ConversationSummary)
	}
	if len(mem.RecentMessages) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, msg := range mem.RecentMessages {
			content := strings.TrimSpace(msg.Content)
			if content == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", speakerLabel(msg.Role), content)
		}
	}
	writeList(&b, "Corrections already given:", mem.LearningContext.Corrections)
	writeList(&b, "Learning objectives:", mem.LearningContext.Objectives)
	writeList(&b, "Notes:", mem.LearningContext.Notes)
	b.WriteString(ContinuationDirective)
	return b.String()
}

func speakerLabel(role reconciler.Role) string {
	if role == reconciler.RoleUser {
		return "Learner"
	}
	return "Tutor"
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title)
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
