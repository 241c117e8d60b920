package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/helmcode/crewnet/internal/protocol"
)

// controlFile appends control commands, one per line, for the agent
// process to pick up.
type controlFile struct {
	mu   sync.Mutex
	path string
}

func (f *controlFile) append(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("creating control dir: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening control file: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(strings.ReplaceAll(command, "\n", " ") + "\n"); err != nil {
		return fmt.Errorf("writing control file: %w", err)
	}
	return nil
}

// handle is the NATS handler for the agent's control subject.
func (f *controlFile) handle(msg *protocol.Message) {
	if msg.Type != protocol.TypeSystemCommand {
		slog.Debug("ignoring control message", "type", msg.Type)
		return
	}
	payload, err := protocol.ParsePayload[protocol.SystemCommandPayload](msg)
	if err != nil {
		slog.Warn("invalid system command payload", "error", err)
		return
	}
	if strings.TrimSpace(payload.Command) == "" {
		return
	}
	if err := f.append(payload.Command); err != nil {
		slog.Error("failed to record control command", "error", err)
		return
	}
	slog.Info("control command received", "from", msg.From, "command", payload.Command)
}
