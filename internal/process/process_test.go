package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

// helperEnv selects a helper mode when the test binary re-executes itself.
const helperEnv = "TOOLWIRE_PROCESS_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "echo":
		_, _ = io.Copy(os.Stdout, os.Stdin)
		os.Exit(0)
	case "env":
		fmt.Println(os.Getenv("TOOLWIRE_TEST_VALUE"))
		os.Exit(0)
	case "pwd":
		wd, _ := os.Getwd()
		fmt.Println(wd)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		os.Exit(2)
	}
}

func helperSpec(mode string) Spec {
	return Spec{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{helperEnv: mode},
	}
}

func startHelper(t *testing.T, l *Launcher, spec Spec) *Process {
	t.Helper()
	p, err := l.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func readLine(t *testing.T, r io.Reader) string {
	t.Helper()
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimSpace(line)
}

func TestLauncher_Start_NotFound(t *testing.T) {
	t.Parallel()
	l := &Launcher{}

	_, err := l.Start(context.Background(), Spec{Command: "toolwire-definitely-not-installed"})

	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Start() error = %v, want *LaunchError", err)
	}
	if le.Reason != ReasonNotFound {
		t.Errorf("Reason = %q, want %q", le.Reason, ReasonNotFound)
	}
}

func TestLauncher_Start_EmptyCommand(t *testing.T) {
	t.Parallel()
	l := &Launcher{}

	_, err := l.Start(context.Background(), Spec{})

	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Start() error = %v, want *LaunchError", err)
	}
}

func TestLauncher_Start_PermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exec permission bits are unix-only")
	}
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not-executable")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := &Launcher{}
	_, err := l.Start(context.Background(), Spec{Command: path})

	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Start() error = %v, want *LaunchError", err)
	}
	if le.Reason != ReasonPermission {
		t.Errorf("Reason = %q, want %q (err: %v)", le.Reason, ReasonPermission, err)
	}
}

func TestLauncher_Start_InvalidDir(t *testing.T) {
	t.Parallel()
	l := &Launcher{}

	tests := []struct {
		name string
		dir  func(t *testing.T) string
	}{
		{
			name: "missing",
			dir: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "does-not-exist")
			},
		},
		{
			name: "regular file",
			dir: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "file")
				if err := os.WriteFile(path, nil, 0o644); err != nil {
					t.Fatal(err)
				}
				return path
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := helperSpec("pwd")
			spec.Dir = tt.dir(t)

			_, err := l.Start(context.Background(), spec)

			var le *LaunchError
			if !errors.As(err, &le) {
				t.Fatalf("Start() error = %v, want *LaunchError", err)
			}
			if le.Reason != ReasonInvalidDir {
				t.Errorf("Reason = %q, want %q", le.Reason, ReasonInvalidDir)
			}
		})
	}
}

func TestLauncher_Start_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := &Launcher{}
	_, err := l.Start(ctx, helperSpec("echo"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Start() error = %v, want context.Canceled", err)
	}
}

func TestProcess_EchoRoundTrip(t *testing.T) {
	t.Parallel()
	p := startHelper(t, &Launcher{}, helperSpec("echo"))

	if _, err := io.WriteString(p.Stdin(), "hello tool server\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, p.Stdout()); got != "hello tool server" {
		t.Errorf("echo = %q, want %q", got, "hello tool server")
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid() = %d, want > 0", p.Pid())
	}
}

func TestProcess_EnvOverride(t *testing.T) {
	t.Parallel()
	spec := helperSpec("env")
	spec.Env["TOOLWIRE_TEST_VALUE"] = "overridden"

	p := startHelper(t, &Launcher{}, spec)

	if got := readLine(t, p.Stdout()); got != "overridden" {
		t.Errorf("env value = %q, want %q", got, "overridden")
	}
}

func TestProcess_WorkingDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	spec := helperSpec("pwd")
	spec.Dir = dir

	p := startHelper(t, &Launcher{}, spec)

	got := readLine(t, p.Stdout())
	want, _ := filepath.EvalSymlinks(dir)
	if resolved, _ := filepath.EvalSymlinks(got); resolved != want {
		t.Errorf("working dir = %q, want %q", got, want)
	}
}

func TestProcess_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	p := startHelper(t, &Launcher{}, helperSpec("echo"))

	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop() = %v, want nil", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
	if !p.Exited() {
		t.Error("Exited() = false after Stop")
	}
}

func TestProcess_StopKillsAfterGrace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGTERM is unix-only")
	}
	t.Parallel()

	grace := 100 * time.Millisecond
	p := startHelper(t, &Launcher{GracePeriod: grace}, helperSpec("stubborn"))

	if got := readLine(t, p.Stdout()); got != "ready" {
		t.Fatalf("helper said %q, want ready", got)
	}

	start := time.Now()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < grace {
		t.Errorf("Stop returned after %v, before the %v grace period", elapsed, grace)
	}
	if elapsed > grace+5*time.Second {
		t.Errorf("Stop took %v, want roughly %v", elapsed, grace)
	}
	if !p.Exited() {
		t.Error("Exited() = false after forced stop")
	}
}

func TestProcess_DoneOnExternalKill(t *testing.T) {
	t.Parallel()
	p := startHelper(t, &Launcher{}, helperSpec("echo"))

	if err := p.cmd.Process.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after external kill")
	}
	if p.ExitErr() == nil {
		t.Error("ExitErr() = nil after kill, want exit error")
	}
}

func TestSpec_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		spec Spec
		want string
	}{
		{Spec{Command: "server"}, "server"},
		{Spec{Command: "python", Args: []string{"-m", "fs_server"}}, "python -m fs_server"},
	}
	for _, tt := range tests {
		if got := tt.spec.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSpec_EnvironOverridesInherited(t *testing.T) {
	t.Setenv("TOOLWIRE_INHERITED", "parent")

	spec := Spec{Env: map[string]string{"TOOLWIRE_INHERITED": "child", "TOOLWIRE_NEW": "1"}}
	env := spec.environ()

	var inherited []string
	hasNew := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "TOOLWIRE_INHERITED=") {
			inherited = append(inherited, kv)
		}
		if kv == "TOOLWIRE_NEW=1" {
			hasNew = true
		}
	}
	if len(inherited) != 1 || inherited[0] != "TOOLWIRE_INHERITED=child" {
		t.Errorf("inherited entries = %v, want [TOOLWIRE_INHERITED=child]", inherited)
	}
	if !hasNew {
		t.Error("TOOLWIRE_NEW=1 missing from environment")
	}
}
