package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/voxtalk/pkg/reconciler"
)

func makeMessages(n int) []reconciler.Message {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	out := make([]reconciler.Message, 0, n)
	for i := 0; i < n; i++ {
		role := reconciler.RoleUser
		if i%2 == 1 {
			role = reconciler.RoleAssistant
		}
		out = append(out, reconciler.Message{
			Role:       role,
			Content:    fmt.Sprintf("message %d", i),
			ItemID:     fmt.Sprintf("item_%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			IsComplete: true,
		})
	}
	return out
}

func TestUpdateKeepsWindowWithoutSummary(t *testing.T) {
	m := NewManager(NewInMemoryStore(), "s1")
	mem, err := m.Update(context.Background(), makeMessages(5))
	require.NoError(t, err)
	require.Len(t, mem.RecentMessages, 5)
	require.Equal(t, 5, mem.TotalMessages)
	require.Empty(t, mem.ConversationSummary)
}

func TestUpdateEvictsAndSummarizesCounts(t *testing.T) {
	m := NewManager(NewInMemoryStore(), "s1")
	msgs := makeMessages(17)
	mem, err := m.Update(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, mem.RecentMessages, DefaultWindow)
	require.Equal(t, "message 5", mem.RecentMessages[0].Content)
	require.Equal(t, "message 16", mem.RecentMessages[DefaultWindow-1].Content)
	require.Equal(t, 17, mem.TotalMessages)
	require.Equal(t, "Earlier in this conversation 5 messages were exchanged (3 from the learner, 2 from the tutor).", mem.ConversationSummary)
	require.NotContains(t, mem.ConversationSummary, "message 0")

	// an existing summary is not rewritten
	mem, err = m.Update(context.Background(), makeMessages(20))
	require.NoError(t, err)
	require.Contains(t, mem.ConversationSummary, "5 messages")
}

func TestUpdateDoesNotAliasInput(t *testing.T) {
	m := NewManager(nil, "s1")
	msgs := makeMessages(3)
	mem, err := m.Update(context.Background(), msgs)
	require.NoError(t, err)
	msgs[0].Content = "mutated"
	require.Equal(t, "message 0", mem.RecentMessages[0].Content)
	require.Equal(t, "message 0", m.Snapshot().RecentMessages[0].Content)
}

func TestWithWindow(t *testing.T) {
	m := NewManager(nil, "s1", WithWindow(4))
	mem, err := m.Update(context.Background(), makeMessages(6))
	require.NoError(t, err)
	require.Len(t, mem.RecentMessages, 4)
	require.Contains(t, mem.ConversationSummary, "2 messages")
}

func TestBuildResumptionContextEndsWithDirective(t *testing.T) {
	cases := []Memory{
		{},
		{
			RecentMessages:      makeMessages(3),
			ConversationSummary: "Earlier in this conversation 4 messages were exchanged (2 from the learner, 2 from the tutor).",
			LearningContext: LearningContext{
				Corrections: []string{"use the subjunctive after 'quiero que'"},
				Objectives:  []string{"order food at a restaurant"},
			},
			SessionMetadata: SessionMetadata{Language: "es", Level: "B1", Topic: "food"},
		},
	}
	for _, mem := range cases {
		out := BuildResumptionContext(mem)
		require.True(t, strings.HasSuffix(out, ContinuationDirective))
		lower := strings.ToLower(strings.TrimSuffix(out, ContinuationDirective))
		require.NotContains(t, lower, "greet")
		require.NotContains(t, lower, "say hello")
	}
}

func TestBuildResumptionContextRendersSections(t *testing.T) {
	mem := Memory{
		RecentMessages: []reconciler.Message{
			{Role: reconciler.RoleUser, Content: "Hola, ¿qué tal?"},
			{Role: reconciler.RoleAssistant, Content: "Muy bien, gracias."},
			{Role: reconciler.RoleAssistant, Content: "   "},
		},
		ConversationSummary: "counts",
		LearningContext: LearningContext{
			Corrections: []string{"c1"},
			Objectives:  []string{"o1"},
			Notes:       []string{"n1"},
		},
		SessionMetadata: SessionMetadata{Language: "es", Level: "A2", Topic: "travel"},
	}
	out := BuildResumptionContext(mem)
	require.Contains(t, out, "Practice language: es. Learner level: A2. Topic: travel.")
	require.Contains(t, out, "Summary of earlier conversation: counts")
	require.Contains(t, out, "Learner: Hola, ¿qué tal?\nTutor: Muy bien, gracias.\n")
	require.Contains(t, out, "Corrections already given:\n- c1\n")
	require.Contains(t, out, "Learning objectives:\n- o1\n")
	require.Contains(t, out, "Notes:\n- n1\n")
	require.NotContains(t, out, "Tutor: \n")
}

func TestPersistAndReloadRevivesTimestamps(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	m := NewManager(store, "browser-session")
	m.Begin(SessionMetadata{Language: "fr", Level: "B2", Topic: "work"})
	msgs := makeMessages(3)
	_, err := m.Update(ctx, msgs)
	require.NoError(t, err)
	require.NoError(t, m.AddCorrection(ctx, "accord du participe passé"))

	resumed := NewManager(store, "browser-session")
	ok, err := resumed.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	snap := resumed.Snapshot()
	require.Len(t, snap.RecentMessages, 3)
	require.True(t, msgs[2].Timestamp.Equal(snap.RecentMessages[2].Timestamp))
	require.Equal(t, []string{"accord du participe passé"}, snap.LearningContext.Corrections)
	require.Equal(t, "fr", snap.SessionMetadata.Language)

	other := NewManager(store, "another-session")
	ok, err = other.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBeginResetsOnChangedParameters(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, "s1")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.Begin(SessionMetadata{Language: "de", Level: "A1", StartTime: start})
	_, err := m.Update(ctx, makeMessages(2))
	require.NoError(t, err)

	m.Begin(SessionMetadata{Language: "de", Level: "A1"})
	snap := m.Snapshot()
	require.Len(t, snap.RecentMessages, 2)
	require.True(t, start.Equal(snap.SessionMetadata.StartTime))

	m.Begin(SessionMetadata{Language: "de", Level: "B1"})
	snap = m.Snapshot()
	require.Empty(t, snap.RecentMessages)
	require.Equal(t, "B1", snap.SessionMetadata.Level)
	require.False(t, snap.SessionMetadata.StartTime.IsZero())
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	m := NewManager(store, "s1")
	_, err := m.Update(ctx, makeMessages(2))
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx))
	require.True(t, m.Snapshot().Empty())

	_, ok, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, ok, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	mem := &Memory{RecentMessages: makeMessages(2), TotalMessages: 2}
	require.NoError(t, s.Save(ctx, "k", mem))
	mem.TotalMessages = 3
	require.NoError(t, s.Save(ctx, "k", mem))

	got, ok, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.TotalMessages)
	require.Equal(t, "message 1", got.RecentMessages[1].Content)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Load(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(StoreSettings{})
	require.NoError(t, err)
	require.IsType(t, &InMemoryStore{}, s)

	_, err = OpenStore(StoreSettings{Kind: "sqlite"})
	require.Error(t, err)

	_, err = OpenStore(StoreSettings{Kind: "etcd"})
	require.Error(t, err)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("VOXTALK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VOXTALK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(addr, time.Minute)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	require.NoError(t, s.Save(ctx, key, &Memory{TotalMessages: 7}))
	got, ok, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 7, got.TotalMessages)
	require.NoError(t, s.Delete(ctx, key))
}
