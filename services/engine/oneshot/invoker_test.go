// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oneshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/lintbridge/services/engine"
	"github.com/AleutianAI/lintbridge/services/engine/finding"
)

const oneIssue = `[{"Rule":{"ID":"STL001","Definition":"Stage name","Description":"","Severity":"warning"},` +
	`"IsViolated":true,"LocationRange":{"Start":{"LineNumber":3,"CharNumber":2},"End":{"LineNumber":3,"CharNumber":10}},` +
	`"Message":"Stage name should be lower case"}]`

// fakeRunner records invocations and answers with fn.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(ctx context.Context, name string, args []string) (ProcessOutput, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (ProcessOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	return f.fn(ctx, name, args)
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func staticRunner(out ProcessOutput, err error) *fakeRunner {
	return &fakeRunner{fn: func(context.Context, string, []string) (ProcessOutput, error) {
		return out, err
	}}
}

// installEngine writes an engine binary under a fresh extension directory.
func installEngine(t *testing.T, script string, mode os.FileMode) string {
	t.Helper()
	ext := t.TempDir()
	bin := filepath.Join(ext, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bin, "whalelint"), []byte(script), mode); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	return ext
}

func newTestInvoker(t *testing.T, runner ProcessRunner) (*Invoker, string) {
	t.Helper()
	ext := installEngine(t, "#!/bin/sh\nexit 0\n", 0o755)
	snapshots := t.TempDir()
	return NewInvoker(Config{ExtensionDir: ext}, WithRunner(runner), WithTempDir(snapshots)), snapshots
}

func assertNoSnapshots(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read snapshot dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected snapshot dir to be empty, found %d entries", len(entries))
	}
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script engines need a unix shell")
	}
}

// =============================================================================
// Analyze with a fake runner
// =============================================================================

func TestAnalyze_InvocationContract(t *testing.T) {
	content := []byte("FROM alpine\nRUN echo hi\n")
	var seen []byte

	runner := &fakeRunner{fn: func(_ context.Context, _ string, args []string) (ProcessOutput, error) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			t.Errorf("snapshot not readable during run: %v", err)
		}
		seen = data
		return ProcessOutput{Stdout: []byte(oneIssue)}, nil
	}}
	inv, snapshots := newTestInvoker(t, runner)

	res, err := inv.Analyze(context.Background(), content)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	calls := runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	call := calls[0]
	if !filepath.IsAbs(call[0]) || !strings.HasSuffix(call[0], filepath.Join("bin", "whalelint")) {
		t.Errorf("engine path = %q, want absolute path ending in bin/whalelint", call[0])
	}
	if len(call) != 3 || call[2] != FormatFlag {
		t.Errorf("args = %v, want [<engine> <snapshot> %s]", call, FormatFlag)
	}
	if filepath.Dir(call[1]) != snapshots {
		t.Errorf("snapshot %q not in temp dir %q", call[1], snapshots)
	}
	if string(seen) != string(content) {
		t.Errorf("snapshot content = %q, want %q", seen, content)
	}

	if len(res.Issues) != 1 || res.Issues[0].RuleID() != "STL001" {
		t.Fatalf("issues = %+v", res.Issues)
	}
	if res.Warning != "" {
		t.Errorf("unexpected warning %q", res.Warning)
	}
	if res.RequestID == "" {
		t.Error("missing request id")
	}
	assertNoSnapshots(t, snapshots)
}

func TestAnalyze_OutputPolicy(t *testing.T) {
	tests := []struct {
		name        string
		out         ProcessOutput
		wantIssues  int
		wantWarning string
		wantErr     error
	}{
		{
			name: "empty stdout and stderr",
			out:  ProcessOutput{},
		},
		{
			name: "empty stdout with stderr on success",
			out:  ProcessOutput{Stderr: []byte("note: nothing to lint\n")},
		},
		{
			name: "empty stdout, failing exit, quiet stderr",
			out:  ProcessOutput{ExitCode: 3},
		},
		{
			name:    "empty stdout, failing exit, stderr",
			out:     ProcessOutput{ExitCode: 2, Stderr: []byte("panic: unexpected token\n")},
			wantErr: engine.ErrProcessExit,
		},
		{
			name:       "findings",
			out:        ProcessOutput{Stdout: []byte(oneIssue)},
			wantIssues: 1,
		},
		{
			name:       "findings with failing exit",
			out:        ProcessOutput{Stdout: []byte(oneIssue), ExitCode: 1},
			wantIssues: 1,
		},
		{
			name:        "findings and stderr",
			out:         ProcessOutput{Stdout: []byte(oneIssue), Stderr: []byte("  deprecated flag\n")},
			wantIssues:  1,
			wantWarning: "deprecated flag",
		},
		{
			name:    "malformed stdout",
			out:     ProcessOutput{Stdout: []byte("not json")},
			wantErr: engine.ErrMalformedOutput,
		},
		{
			name:    "line zero",
			out:     ProcessOutput{Stdout: []byte(strings.Replace(oneIssue, `"LineNumber":3,"CharNumber":2`, `"LineNumber":0,"CharNumber":2`, 1))},
			wantErr: engine.ErrMalformedOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, snapshots := newTestInvoker(t, staticRunner(tt.out, nil))
			res, err := inv.Analyze(context.Background(), []byte("FROM alpine\n"))
			assertNoSnapshots(t, snapshots)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if res != nil {
					t.Errorf("expected nil result on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if len(res.Issues) != tt.wantIssues {
				t.Errorf("issues = %d, want %d", len(res.Issues), tt.wantIssues)
			}
			if res.Warning != tt.wantWarning {
				t.Errorf("warning = %q, want %q", res.Warning, tt.wantWarning)
			}
		})
	}
}

func TestAnalyze_EngineErrorDetails(t *testing.T) {
	out := ProcessOutput{ExitCode: 2, Stderr: []byte("fatal: bad input\nsecond line\n")}
	inv, _ := newTestInvoker(t, staticRunner(out, nil))

	_, err := inv.Analyze(context.Background(), []byte("FROM x"))
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected *EngineError, got %T: %v", err, err)
	}
	if engErr.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", engErr.ExitCode)
	}
	if engErr.Stderr != "fatal: bad input\nsecond line" {
		t.Errorf("Stderr = %q", engErr.Stderr)
	}
	if !strings.Contains(err.Error(), "fatal: bad input ...") {
		t.Errorf("Error() = %q, want first stderr line", err.Error())
	}
}

func TestAnalyze_LaunchFailureIsConfiguration(t *testing.T) {
	inv, snapshots := newTestInvoker(t, staticRunner(ProcessOutput{}, errors.New("fork/exec: permission denied")))

	_, err := inv.Analyze(context.Background(), []byte("FROM x"))
	if !errors.Is(err, ErrLaunch) || !errors.Is(err, engine.ErrConfiguration) {
		t.Fatalf("error = %v, want ErrLaunch/ErrConfiguration", err)
	}
	assertNoSnapshots(t, snapshots)
}

func TestAnalyze_MissingBinary(t *testing.T) {
	runner := staticRunner(ProcessOutput{}, nil)
	inv := NewInvoker(Config{ExtensionDir: t.TempDir()}, WithRunner(runner))

	_, err := inv.Analyze(context.Background(), []byte("FROM x"))
	if !errors.Is(err, ErrBinaryNotFound) || !errors.Is(err, engine.ErrConfiguration) {
		t.Fatalf("error = %v, want ErrBinaryNotFound", err)
	}
	if len(runner.Calls()) != 0 {
		t.Error("engine must not be launched when the binary is missing")
	}
}

func TestAnalyze_NilContext(t *testing.T) {
	inv, _ := newTestInvoker(t, staticRunner(ProcessOutput{}, nil))
	_, err := inv.Analyze(nil, nil) //nolint:staticcheck
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestAnalyze_CancelledContext(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, _ string, _ []string) (ProcessOutput, error) {
		<-ctx.Done()
		return ProcessOutput{ExitCode: -1}, nil
	}}
	inv, snapshots := newTestInvoker(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := inv.Analyze(ctx, []byte("FROM x"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	assertNoSnapshots(t, snapshots)
}

func TestAnalyze_ConcurrentSnapshotsAreIndependent(t *testing.T) {
	var mu sync.Mutex
	paths := make(map[string]string)

	runner := &fakeRunner{fn: func(_ context.Context, _ string, args []string) (ProcessOutput, error) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return ProcessOutput{}, err
		}
		mu.Lock()
		paths[args[0]] = string(data)
		mu.Unlock()
		return ProcessOutput{}, nil
	}}
	inv, snapshots := newTestInvoker(t, runner)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := strings.Repeat("RUN true\n", i+1)
			if _, err := inv.Analyze(context.Background(), []byte(content)); err != nil {
				t.Errorf("Analyze %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if len(paths) != n {
		t.Errorf("expected %d distinct snapshots, got %d", n, len(paths))
	}
	assertNoSnapshots(t, snapshots)
}

// =============================================================================
// Batch
// =============================================================================

func TestAnalyzeFiles(t *testing.T) {
	runner := &fakeRunner{fn: func(_ context.Context, _ string, args []string) (ProcessOutput, error) {
		data, _ := os.ReadFile(args[0])
		if strings.Contains(string(data), "BAD") {
			return ProcessOutput{ExitCode: 1, Stderr: []byte("cannot parse")}, nil
		}
		return ProcessOutput{Stdout: []byte(oneIssue)}, nil
	}}
	inv, _ := newTestInvoker(t, runner)

	dir := t.TempDir()
	good := filepath.Join(dir, "Dockerfile")
	bad := filepath.Join(dir, "Dockerfile.bad")
	missing := filepath.Join(dir, "Dockerfile.missing")
	if err := os.WriteFile(good, []byte("FROM alpine\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("BAD\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := inv.AnalyzeFiles(context.Background(), []string{good, bad, missing}, 2)
	if err != nil {
		t.Fatalf("AnalyzeFiles: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	if results[0].Path != good || results[0].Err != nil || len(results[0].Result.Issues) != 1 {
		t.Errorf("good file result = %+v", results[0])
	}
	if string(results[0].Content) != "FROM alpine\n" {
		t.Errorf("content not captured: %q", results[0].Content)
	}
	if !errors.Is(results[1].Err, engine.ErrProcessExit) {
		t.Errorf("bad file error = %v, want ErrProcessExit", results[1].Err)
	}
	if !errors.Is(results[2].Err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want not-exist", results[2].Err)
	}
}

// =============================================================================
// Real processes
// =============================================================================

func TestAnalyze_RealEngine(t *testing.T) {
	skipOnWindows(t)

	script := "#!/bin/sh\n" +
		"test -f \"$1\" || { echo \"missing snapshot $1\" >&2; exit 3; }\n" +
		"test \"$2\" = \"--format=json\" || { echo \"unexpected flag $2\" >&2; exit 4; }\n" +
		"cat <<'JSON'\n" + oneIssue + "\nJSON\n" +
		"echo 'rule STL001 is deprecated' >&2\n"

	// Installed without the executable bit: Analyze must restore it.
	ext := installEngine(t, script, 0o644)
	inv := NewInvoker(Config{ExtensionDir: ext, TempDir: t.TempDir()})

	res, err := inv.Analyze(context.Background(), []byte("FROM alpine\n"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(res.Issues))
	}
	want := finding.Range{Start: finding.Point{LineNumber: 3, CharNumber: 2}, End: finding.Point{LineNumber: 3, CharNumber: 10}}
	if res.Issues[0].Location != want {
		t.Errorf("location = %+v, want %+v", res.Issues[0].Location, want)
	}
	if res.Warning != "rule STL001 is deprecated" {
		t.Errorf("warning = %q", res.Warning)
	}

	info, err := os.Stat(filepath.Join(ext, "bin", "whalelint"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Errorf("executable bit not restored: %v", info.Mode())
	}
}

func TestAnalyze_RealEngineTimeout(t *testing.T) {
	skipOnWindows(t)

	ext := installEngine(t, "#!/bin/sh\nexec sleep 5\n", 0o755)
	inv := NewInvoker(Config{ExtensionDir: ext, Timeout: 100 * time.Millisecond, TempDir: t.TempDir()})

	start := time.Now()
	_, err := inv.Analyze(context.Background(), []byte("FROM alpine\n"))
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, engine.ErrProcessExit) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestAnalyze_RealEngineNotRunnable(t *testing.T) {
	skipOnWindows(t)

	// Executable bit set, but not a program the kernel can start.
	ext := installEngine(t, "this is not a program", 0o755)
	inv := NewInvoker(Config{ExtensionDir: ext, TempDir: t.TempDir()})

	_, err := inv.Analyze(context.Background(), []byte("FROM alpine\n"))
	if !errors.Is(err, engine.ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}
}

// =============================================================================
// Executable resolution
// =============================================================================

func TestResolveExecutable(t *testing.T) {
	t.Run("relative to extension dir", func(t *testing.T) {
		ext := installEngine(t, "#!/bin/sh\n", 0o755)
		path, err := ResolveExecutable(ext, "bin/whalelint")
		if err != nil {
			t.Fatalf("ResolveExecutable: %v", err)
		}
		if path != filepath.Join(ext, "bin", "whalelint") {
			t.Errorf("path = %q", path)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := ResolveExecutable(t.TempDir(), "bin/whalelint")
		if !errors.Is(err, ErrBinaryNotFound) {
			t.Errorf("error = %v, want ErrBinaryNotFound", err)
		}
	})

	t.Run("directory", func(t *testing.T) {
		ext := t.TempDir()
		if err := os.MkdirAll(filepath.Join(ext, "bin", "whalelint"), 0o755); err != nil {
			t.Fatal(err)
		}
		_, err := ResolveExecutable(ext, "bin/whalelint")
		if !errors.Is(err, ErrBinaryNotFound) {
			t.Errorf("error = %v, want ErrBinaryNotFound", err)
		}
	})

	t.Run("empty binary", func(t *testing.T) {
		_, err := ResolveExecutable(t.TempDir(), "")
		if !errors.Is(err, engine.ErrConfiguration) {
			t.Errorf("error = %v, want ErrConfiguration", err)
		}
	})

	t.Run("restores executable bit", func(t *testing.T) {
		skipOnWindows(t)
		ext := installEngine(t, "#!/bin/sh\n", 0o600)
		path, err := ResolveExecutable(ext, "bin/whalelint")
		if err != nil {
			t.Fatalf("ResolveExecutable: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o711 {
			t.Errorf("mode = %v, want 0711", info.Mode().Perm())
		}
	})
}
