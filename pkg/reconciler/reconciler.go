// Package reconciler turns the realtime service's event stream into an ordered,
// deduplicated, speaker-attributed transcript.
//
// The service may emit item creation after the first delta, resend completed transcripts
// under new item ids, and race user item creation against transcription completion.
// Every handler below is a reconciliation policy for one of those behaviors, not a plain
// parse step. Display order is append order; timestamps are informational.
package reconciler

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voxtalk/pkg/realtime/protocol"
	"github.com/go-go-golems/voxtalk/pkg/transcript"
)

// Reconciler owns the message list. It is safe for concurrent use, but events are
// expected to be applied from a single goroutine in arrival order.
type Reconciler struct {
	mu             sync.Mutex
	messages       []Message
	assistantItems map[string]time.Time
	now            func() time.Time
}

type Option func(*Reconciler)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		assistantItems: map[string]time.Time{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds one server event into the transcript and reports whether the message list
// changed. Unknown event types are ignored.
func (r *Reconciler) Apply(ev protocol.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case protocol.TypeTextDelta:
		return r.applyTextDelta(ev.Delta)
	case protocol.TypeInputAudioTranscriptionCompleted:
		return r.applyUserTranscript(ev.ItemID, ev.Transcript)
	case protocol.TypeConversationItemCreated:
		return r.applyItemCreated(ev.Item)
	case protocol.TypeAudioTranscriptDelta:
		return r.applyAudioDelta(ev.ItemID, ev.Delta)
	case protocol.TypeAudioTranscriptDone:
		return r.applyAudioDone(ev.ItemID, ev.Transcript)
	}
	return false
}

// Messages returns a snapshot of the transcript.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CloneMessages(r.messages)
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// KnownAssistantItem reports whether item creation was observed for an assistant item id.
func (r *Reconciler) KnownAssistantItem(itemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.assistantItems[itemID]
	return ok
}

func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.assistantItems = map[string]time.Time{}
}

// Restore replaces the transcript, typically with messages recovered from memory.
func (r *Reconciler) Restore(msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = CloneMessages(msgs)
}

func (r *Reconciler) appendMessage(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = r.now()
	}
	r.messages = append(r.messages, m)
}

func (r *Reconciler) applyTextDelta(delta string) bool {
	if delta == "" {
		return false
	}
	if idx := r.lastInProgressAssistant(); idx >= 0 {
		m := &r.messages[idx]
		m.Content = joinFragments(m.Content, delta)
		return true
	}
	r.appendMessage(Message{Role: RoleAssistant, Content: delta})
	return true
}

func (r *Reconciler) applyUserTranscript(itemID, raw string) bool {
	text := transcript.Clean(raw)
	if text == "" {
		return false
	}
	if idx := r.findUser(itemID, text); idx >= 0 {
		m := &r.messages[idx]
		if m.Content == text && m.IsComplete && (itemID == "" || m.ItemID != "") {
			return false
		}
		m.Content = text
		if m.ItemID == "" {
			m.ItemID = itemID
		}
		m.IsComplete = true
		return true
	}
	r.appendMessage(Message{Role: RoleUser, Content: text, ItemID: itemID, IsComplete: true})
	return true
}

func (r *Reconciler) applyItemCreated(item *protocol.Item) bool {
	if item == nil {
		return false
	}
	switch item.Role {
	case protocol.RoleUser:
		text := transcript.Clean(item.Text())
		if text == "" {
			// Audio items usually arrive without a transcript; transcription completion
			// will create the message.
			return false
		}
		if r.findUser(item.ID, text) >= 0 {
			log.Debug().Str("component", "reconciler").Str("item_id", item.ID).Msg("duplicate user item ignored")
			return false
		}
		r.appendMessage(Message{Role: RoleUser, Content: text, ItemID: item.ID, IsComplete: true})
		return true
	case protocol.RoleAssistant:
		if item.ID != "" {
			r.assistantItems[item.ID] = r.now()
		}
	}
	return false
}

// applyAudioDelta attaches a transcript fragment using a three-tier lookup because the
// service does not always announce the item before its first delta.
func (r *Reconciler) applyAudioDelta(itemID, delta string) bool {
	if delta == "" {
		return false
	}
	if itemID == "" {
		if idx := r.lastInProgressAssistant(); idx >= 0 {
			r.messages[idx].Content += delta
			return true
		}
		r.appendMessage(Message{Role: RoleAssistant, Content: delta})
		return true
	}

	if idx := r.findAssistantByItem(itemID); idx >= 0 {
		m := &r.messages[idx]
		if m.IsComplete {
			return false
		}
		m.Content += delta
		return true
	}
	if idx := r.continuationTarget(); idx >= 0 {
		m := &r.messages[idx]
		m.ItemID = itemID
		m.Content += delta
		return true
	}
	r.appendMessage(Message{Role: RoleAssistant, Content: delta, ItemID: itemID})
	return true
}

func (r *Reconciler) applyAudioDone(itemID, final string) bool {
	text := strings.TrimSpace(final)
	if text == "" {
		if idx := r.findAssistantByItem(itemID); idx >= 0 && !r.messages[idx].IsComplete {
			r.messages[idx].IsComplete = true
			return true
		}
		return false
	}

	if idx := r.findExactAssistant(text); idx >= 0 {
		// Content stays as is; an unfinished duplicate is only frozen.
		m := &r.messages[idx]
		changed := false
		if !m.IsComplete {
			m.IsComplete = true
			changed = true
		}
		if m.ItemID == "" && itemID != "" {
			m.ItemID = itemID
			changed = true
		}
		return changed
	}

	if idx := r.findAssistantByItem(itemID); idx >= 0 {
		m := &r.messages[idx]
		m.Content = text
		m.IsComplete = true
		return true
	}

	if idx := r.findRelated(text); idx >= 0 {
		m := &r.messages[idx]
		log.Debug().Str("component", "reconciler").Str("item_id", itemID).Str("partial", m.Content).Msg("final transcript replaces related partial message")
		m.Content = text
		if m.ItemID == "" {
			m.ItemID = itemID
		}
		m.IsComplete = true
		return true
	}

	r.appendMessage(Message{Role: RoleAssistant, Content: text, ItemID: itemID, IsComplete: true})
	return true
}

func (r *Reconciler) lastInProgressAssistant() int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role == RoleAssistant && m.InProgress() {
			return i
		}
	}
	return -1
}

// findUser shares one key space between item creation and transcription completion:
// a user message matches by item id or by exact content.
func (r *Reconciler) findUser(itemID, text string) int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role != RoleUser {
			continue
		}
		if itemID != "" && m.ItemID == itemID {
			return i
		}
		if m.Content == text {
			return i
		}
	}
	return -1
}

func (r *Reconciler) findAssistantByItem(itemID string) int {
	if itemID == "" {
		return -1
	}
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role == RoleAssistant && m.ItemID == itemID {
			return i
		}
	}
	return -1
}

// findExactAssistant matches any assistant message, completed ones from earlier turns
// included. A turn that repeats an earlier line word for word ("¡Muy bien!") therefore
// makes its own done event a no-op and leaves the current partial unfinished.
func (r *Reconciler) findExactAssistant(text string) int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role == RoleAssistant && m.Content == text {
			return i
		}
	}
	return -1
}

func (r *Reconciler) continuationTarget() int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role == RoleAssistant && m.InProgress() && isShortContinuation(m.Content) {
			return i
		}
	}
	return -1
}

func (r *Reconciler) findRelated(text string) int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Role == RoleAssistant && !m.IsComplete && relatedMessage(m.Content, text) {
			return i
		}
	}
	return -1
}
