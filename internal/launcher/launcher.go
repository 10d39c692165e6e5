// Package launcher turns relay job specifications into running ffmpeg
// processes and captures preview frames from their sources.
package launcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"streamrelay/internal/job"
)

// DefaultBinary is the transcoder executable looked up on PATH.
const DefaultBinary = "ffmpeg"

const defaultTailLines = 20

// ErrLaunchFailed is matched by every error returned when a process could not
// be started.
var ErrLaunchFailed = errors.New("launch failed")

// LaunchError describes a process that could not be started.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunchFailed, e.Err}
}

// Config configures a Launcher.
type Config struct {
	Binary    string
	Profile   Profile
	Logger    *slog.Logger
	TailLines int
}

// Launcher starts relay processes.
type Launcher struct {
	binary    string
	profile   Profile
	logger    *slog.Logger
	tailLines int
}

// New constructs a Launcher, filling unset fields with defaults.
func New(cfg Config) *Launcher {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tail := cfg.TailLines
	if tail <= 0 {
		tail = defaultTailLines
	}
	return &Launcher{
		binary:    binary,
		profile:   cfg.Profile.withDefaults(),
		logger:    logger,
		tailLines: tail,
	}
}

// Binary returns the executable the launcher runs.
func (l *Launcher) Binary() string {
	return l.binary
}

// Args returns the full argument list for spec.
func (l *Launcher) Args(spec job.Spec) []string {
	return BuildArgs(spec, l.profile)
}

// Launch builds the invocation for spec and starts it. Standard input is
// closed; standard output and error are consumed into the logger.
func (l *Launcher) Launch(spec job.Spec) (Process, error) {
	args := l.Args(spec)
	logger := l.logger.With("session_id", spec.SessionID)
	logger.Info("launching relay", "command", l.binary+" "+strings.Join(args, " "))
	return l.start(logger, args)
}

func (l *Launcher) start(logger *slog.Logger, args []string) (Process, error) {
	cmd := exec.Command(l.binary, args...)
	cmd.Stdin = nil
	stderr := newLineWriter(logger, "stderr", l.tailLines)
	cmd.Stdout = newLineWriter(logger, "stdout", 0)
	cmd.Stderr = stderr
	detachProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Binary: l.binary, Err: err}
	}
	return newExecProcess(cmd, stderr), nil
}
