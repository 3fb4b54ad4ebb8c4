package cdn

import (
	"bytes"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

// Process is a started child process
type Process interface {
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts a process
type Launcher func(name string, args ...string) (Process, error)

// ExecLauncher starts real processes, logging their output through logger
func ExecLauncher(logger zerolog.Logger) Launcher {
	return func(name string, args ...string) (Process, error) {
		cmd := exec.Command(name, args...)
		cmd.Stdout = &logWriter{logger: logger, level: zerolog.InfoLevel}
		// cloudflared logs everything to stderr
		cmd.Stderr = &logWriter{logger: logger, level: zerolog.InfoLevel}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return execProcess{cmd: cmd}, nil
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Wait() error                { return p.cmd.Wait() }
func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Kill() error                { return p.cmd.Process.Kill() }

// logWriter adapts child output to the logger, one event per line
type logWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			w.logger.WithLevel(w.level).Msg(string(line))
		}
	}
	return len(p), nil
}
