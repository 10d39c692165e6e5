package launcher

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Process is a handle to a running (or finished) external process.
type Process interface {
	PID() int
	// Alive reports whether the process has not yet exited. It never blocks.
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit error after Done is closed; nil for a clean exit.
	Err() error
	// StderrTail returns the most recent diagnostic lines written by the
	// process.
	StderrTail() []string
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stderr *lineWriter
}

func newExecProcess(cmd *exec.Cmd, stderr *lineWriter) *execProcess {
	proc := &execProcess{cmd: cmd, done: make(chan struct{}), stderr: stderr}
	go proc.reap()
	return proc
}

func (p *execProcess) reap() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Signal(sig os.Signal) error {
	if !p.Alive() {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if !p.Alive() {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) StderrTail() []string {
	if p.stderr == nil {
		return nil
	}
	return p.stderr.Tail()
}

// lineWriter splits process output into lines, logs each at debug level and
// keeps the last few for diagnostics when the process exits.
type lineWriter struct {
	logger  *slog.Logger
	stream  string
	mu      sync.Mutex
	partial []byte
	tail    []string
	limit   int
}

func newLineWriter(logger *slog.Logger, stream string, limit int) *lineWriter {
	return &lineWriter{logger: logger, stream: stream, limit: limit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(p) > 0 {
		idx := bytes.IndexAny(p, "\r\n")
		if idx == -1 {
			w.partial = append(w.partial, p...)
			break
		}
		line := append(w.partial, p[:idx]...)
		w.partial = nil
		p = p[idx+1:]
		w.emitLocked(line)
	}
	return total, nil
}

func (w *lineWriter) emitLocked(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	text := string(line)
	if w.logger != nil {
		w.logger.Debug("process output", "stream", w.stream, "line", text)
	}
	if w.limit <= 0 {
		return
	}
	w.tail = append(w.tail, text)
	if len(w.tail) > w.limit {
		w.tail = append([]string(nil), w.tail[len(w.tail)-w.limit:]...)
	}
}

func (w *lineWriter) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emitLocked(w.partial)
		w.partial = nil
	}
	return append([]string(nil), w.tail...)
}
