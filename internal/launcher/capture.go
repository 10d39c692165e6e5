package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCaptureTimeout bounds a single preview capture.
const DefaultCaptureTimeout = 20 * time.Second

// CaptureConfig configures a Capturer.
type CaptureConfig struct {
	Binary  string
	Timeout time.Duration
	// Offset is the seek position, in seconds, of the captured frame.
	Offset string
	Logger *slog.Logger
}

// Capturer grabs single preview frames with a short-lived ffmpeg process.
type Capturer struct {
	binary  string
	timeout time.Duration
	offset  string
	logger  *slog.Logger
}

// NewCapturer constructs a Capturer with defaults for unset fields.
func NewCapturer(cfg CaptureConfig) *Capturer {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{binary: binary, timeout: timeout, offset: cfg.Offset, logger: logger}
}

// Capture writes one frame of source to out, replacing any previous file. It
// reports whether out exists once the capture process has finished.
func (c *Capturer) Capture(ctx context.Context, source, out string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("clear previous preview: %w", err)
	}
	cmd := exec.CommandContext(ctx, c.binary, PreviewArgs(source, out, c.offset)...)
	output, runErr := cmd.CombinedOutput()
	if _, err := os.Stat(out); err == nil {
		return true, nil
	}
	if runErr != nil {
		c.logger.Debug("preview capture failed", "source", source, "error", runErr, "output", strings.TrimSpace(string(output)))
		return false, fmt.Errorf("capture preview: %w", runErr)
	}
	return false, nil
}
