package terminal

import (
	"os"
	"path/filepath"

	"github.com/peterh/liner"
)

// Line is a liner prompt that persists its input history between runs
type Line struct {
	*liner.State
	historyFile string
}

// NewLine creates a prompt. Ctrl-C at the prompt aborts it. An empty
// historyFile keeps input history in memory only.
func NewLine(historyFile string) *Line {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	l := &Line{State: state, historyFile: historyFile}
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			_, _ = state.ReadHistory(f)
			f.Close()
		}
	}
	return l
}

// Close saves the input history and restores the terminal
func (l *Line) Close() error {
	if l.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(l.historyFile), 0o755); err == nil {
			if f, err := os.OpenFile(l.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
				_, _ = l.State.WriteHistory(f)
				f.Close()
			}
		}
	}
	return l.State.Close()
}
