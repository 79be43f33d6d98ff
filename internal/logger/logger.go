package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

/*
CONSOLE - USER-FACING OUTPUT

The CLI prints the assembled conversation, tool activity and approval prompts
for a person to read. That text is not a log record, so it bypasses slog:

    Printf/Println ──► stdout
                  └──► <dir>/transcript-YYYY-MM-DD.log (timestamped)

Without InitConsole, output goes to stdout only.
*/

var (
	console    io.Writer = os.Stdout
	transcript *os.File
	consoleMu  sync.Mutex
)

// InitConsole directs console output to w and, when dir is set, mirrors it
// to a dated transcript file
func InitConsole(w io.Writer, dir string) error {
	consoleMu.Lock()
	defer consoleMu.Unlock()

	if w == nil {
		w = os.Stdout
	}
	console = w
	if dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("transcript-%s.log", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	transcript = f
	return nil
}

// CloseConsole closes the transcript file
func CloseConsole() error {
	consoleMu.Lock()
	defer consoleMu.Unlock()

	if transcript == nil {
		return nil
	}
	err := transcript.Close()
	transcript = nil
	return err
}

// Printf writes a formatted line to the console
func Printf(format string, v ...any) {
	write(fmt.Sprintf(format, v...))
}

// Println writes its operands to the console
func Println(v ...any) {
	write(fmt.Sprintln(v...))
}

func write(line string) {
	if n := len(line); n == 0 || line[n-1] != '\n' {
		line += "\n"
	}

	consoleMu.Lock()
	defer consoleMu.Unlock()

	_, _ = io.WriteString(console, line)
	if transcript != nil {
		_, _ = io.WriteString(transcript, time.Now().Format(time.RFC3339)+" "+line)
	}
}
