// Package process launches and owns tool server subprocesses.
//
// A [Process] is started from an immutable [Spec] and exposes the
// child's stdin and stdout as the protocol channel. Stderr is a
// diagnostic side channel: it is drained line by line into the logger
// and never parsed. The subprocess lifetime is independent of request
// contexts; it ends only through [Process.Stop] or on its own.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultGracePeriod is how long Stop waits for a graceful exit before
// killing the process.
const DefaultGracePeriod = 2 * time.Second

// Spec describes the subprocess to launch. A Spec is treated as
// immutable once handed to [Launcher.Start].
type Spec struct {
	// Command is the executable to run. Bare names are resolved via PATH.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env overrides or extends the inherited environment.
	Env map[string]string
}

// String renders the spec as a shell-like command line for logs.
func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// environ merges the current process environment with the overrides.
// Override keys are appended in sorted order so the result is stable.
func (s Spec) environ() []string {
	base := os.Environ()
	if len(s.Env) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(s.Env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := s.Env[key]; overridden {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Launcher starts subprocesses. The zero value is usable.
type Launcher struct {
	// GracePeriod bounds how long Stop waits for a graceful exit
	// (default [DefaultGracePeriod]).
	GracePeriod time.Duration

	// Logger receives lifecycle and stderr diagnostics. Uses
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Start validates spec and spawns the subprocess. It fails with a
// *[LaunchError] when the executable cannot be found or executed, or
// when the working directory is invalid.
//
// ctx only bounds the launch itself; the returned process keeps running
// after ctx is done.
func (l *Launcher) Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := l.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if spec.Command == "" {
		return nil, &LaunchError{Reason: ReasonNotFound, Err: errors.New("empty command")}
	}

	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, &LaunchError{Command: spec.Command, Dir: spec.Dir, Reason: ReasonInvalidDir, Err: err}
		}
		if !info.IsDir() {
			return nil, &LaunchError{Command: spec.Command, Dir: spec.Dir, Reason: ReasonInvalidDir, Err: fmt.Errorf("%s is not a directory", spec.Dir)}
		}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	if cmd.Err != nil {
		return nil, classify(spec, cmd.Err)
	}
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()

	// Dedicated pipes instead of cmd.StdoutPipe: Wait closes pipes it
	// created itself, which could race the protocol reader draining the
	// last frames after the child exits.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, classify(spec, err)
	}

	// The child holds its own copies of these ends now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		spec:   spec,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		grace:  grace,
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}

	go p.drainStderr(stderrR)
	go p.wait()

	p.logger.Info("tool server process started", "command", spec.String(), "dir", spec.Dir)
	return p, nil
}

// Process is a running tool server subprocess. It exclusively owns the
// OS process and its streams.
type Process struct {
	spec   Spec
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	grace  time.Duration
	logger *slog.Logger

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Spec returns the spec the process was started from.
func (p *Process) Spec() Spec {
	return p.spec
}

// Stdin is the write side of the protocol channel.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout is the read side of the protocol channel.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of waiting on the process. It is only
// meaningful after Done is closed; before that it returns nil.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop closes stdin, asks the process to terminate, and kills it if it
// has not exited within the grace period. Stop is idempotent: only the
// first call has any effect, later calls return nil.
func (p *Process) Stop() error {
	first := false
	p.stopOnce.Do(func() {
		first = true
		p.stopErr = p.stop()
	})
	if !first {
		return nil
	}
	return p.stopErr
}

func (p *Process) stop() error {
	defer p.stdout.Close()

	if p.Exited() {
		p.stdin.Close()
		p.logger.Debug("tool server process already exited", "exit", p.waitErr)
		return nil
	}

	p.logger.Info("stopping tool server process")

	// Closing stdin is the conventional shutdown signal for stdio
	// servers; SIGTERM covers servers that ignore EOF.
	p.stdin.Close()
	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("terminate signal failed", "error", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.logger.Warn("tool server process did not exit gracefully, killing", "grace", p.grace)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
		}
		<-p.done
		return nil
	}
}

// wait reaps the process. It is the only caller of cmd.Wait.
func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
	if p.waitErr != nil {
		p.logger.Info("tool server process exited", "error", p.waitErr)
	} else {
		p.logger.Info("tool server process exited")
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (p *Process) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// classify maps exec/start failures onto launch error reasons.
func classify(spec Spec, err error) *LaunchError {
	le := &LaunchError{Command: spec.Command, Dir: spec.Dir, Reason: ReasonStartFailed, Err: err}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		le.Reason = ReasonNotFound
	case errors.Is(err, fs.ErrPermission):
		le.Reason = ReasonPermission
	}
	return le
}
