package tmux

import (
	"errors"
	"strings"
	"time"

	"github.com/fleetd/fleetd/internal/term"
)

// Adapter adapts [Tmux] to the [term.Adapter] interface.
type Adapter struct {
	tm *Tmux
}

// Compile-time check.
var _ term.Adapter = (*Adapter)(nil)

// NewAdapter returns an [Adapter] backed by a real tmux installation
// with the given per-call timeouts.
func NewAdapter(sendTimeout, captureTimeout time.Duration) *Adapter {
	return &Adapter{tm: New(sendTimeout, captureTimeout)}
}

// CreatePane creates a new detached session running command.
func (a *Adapter) CreatePane(name, workDir, command string, env map[string]string) error {
	err := a.tm.NewSession(name, workDir, command, env)
	if errors.Is(err, ErrPaneExists) {
		// Zombie check: a leftover pane whose agent died can be replaced.
		cmd, cerr := a.tm.CurrentCommand(name)
		if cerr == nil && isShell(cmd) {
			if kerr := a.tm.KillSession(name); kerr != nil {
				return kerr
			}
			return a.tm.NewSession(name, workDir, command, env)
		}
		return err
	}
	return err
}

// KillPane destroys the named pane. Returns nil if it doesn't exist.
func (a *Adapter) KillPane(name string) error {
	err := a.tm.KillSession(name)
	if err != nil && (errors.Is(err, ErrPaneNotFound) || errors.Is(err, ErrNoServer)) {
		return nil // idempotent
	}
	return err
}

// HasPane reports whether the named pane exists.
func (a *Adapter) HasPane(name string) (bool, error) {
	return a.tm.HasSession(name)
}

// ListPanes returns all pane names matching the given prefix.
func (a *Adapter) ListPanes(prefix string) ([]string, error) {
	all, err := a.tm.ListSessions()
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// SendText types text and presses Enter.
func (a *Adapter) SendText(name, text string) error {
	return a.tm.SendKeys(name, text)
}

// SendLiteral types text without Enter.
func (a *Adapter) SendLiteral(name, text string) error {
	return a.tm.SendKeysLiteral(name, text)
}

// SendRaw sends a named key.
func (a *Adapter) SendRaw(name, key string) error {
	return a.tm.SendKeysRaw(name, key)
}

// SendInterrupt sends Ctrl-C. Best-effort: returns nil if the pane
// doesn't exist.
func (a *Adapter) SendInterrupt(name string) error {
	err := a.tm.SendKeysRaw(name, "C-c")
	if err != nil && (errors.Is(err, ErrPaneNotFound) || errors.Is(err, ErrNoServer)) {
		return nil
	}
	return err
}

// ClearLine clears pending prompt input with Ctrl-U.
func (a *Adapter) ClearLine(name string) error {
	return a.tm.SendKeysRaw(name, "C-u")
}

// Capture returns the last N lines of pane output.
func (a *Adapter) Capture(name string, lines int) (string, error) {
	return a.tm.CapturePane(name, lines)
}

// CurrentCommand returns the command running in the pane.
func (a *Adapter) CurrentCommand(name string) (string, error) {
	return a.tm.CurrentCommand(name)
}

// SetEnv stores an environment variable in the pane.
func (a *Adapter) SetEnv(name, key, value string) error {
	return a.tm.SetEnvironment(name, key, value)
}

// supportedShells are pane commands that indicate the agent process has
// exited back to a bare shell.
var supportedShells = []string{"bash", "zsh", "sh", "fish", "dash"}

func isShell(cmd string) bool {
	for _, s := range supportedShells {
		if cmd == s {
			return true
		}
	}
	return false
}
