package cmds

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/voxtalk/pkg/config"
	"github.com/go-go-golems/voxtalk/pkg/reconciler"
	"github.com/go-go-golems/voxtalk/pkg/voice"
)

func TestTranscriptPrinterPrintsCompletedMessagesOnce(t *testing.T) {
	var out bytes.Buffer
	p := newTranscriptPrinter(&out)
	ts := time.Date(2026, 3, 1, 10, 4, 5, 0, time.UTC)

	user := reconciler.Message{Role: reconciler.RoleUser, Content: "Ciao", ItemID: "u1", Timestamp: ts, IsComplete: true}
	streaming := reconciler.Message{Role: reconciler.RoleAssistant, Content: "Ciao! Come", Timestamp: ts}
	p.Print(voice.Snapshot{Messages: []reconciler.Message{user, streaming}})

	done := streaming
	done.Content = "Ciao! Come stai?"
	done.ItemID = "a1"
	done.IsComplete = true
	p.Print(voice.Snapshot{Messages: []reconciler.Message{user, done}})
	p.Print(voice.Snapshot{Messages: []reconciler.Message{user, done}, Error: "The microphone did not respond in time. Please try again."})
	p.Print(voice.Snapshot{Messages: []reconciler.Message{user, done}, Error: "The microphone did not respond in time. Please try again."})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, []string{
		"[10:04:05] you: Ciao",
		"[10:04:05] tutor: Ciao! Come stai?",
		"! The microphone did not respond in time. Please try again.",
	}, lines)
}

func TestConfigShowMasksAPIKey(t *testing.T) {
	g := &Globals{Config: &config.Config{
		LogLevel: "info",
		Server:   config.ServerConfig{Addr: "localhost:9090", OpenAIAPIKey: "sk-live"},
	}}
	cmd := NewConfigCommand(g)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show"})
	require.NoError(t, cmd.Execute())

	require.Contains(t, out.String(), "addr: localhost:9090")
	require.NotContains(t, out.String(), "sk-live")
}

func TestInitRejectsUnknownLogLevel(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	g := &Globals{LogLevel: "loud"}
	require.Error(t, g.Init())

	g = &Globals{LogLevel: "debug"}
	require.NoError(t, g.Init())
	require.NotNil(t, g.Config)
}
