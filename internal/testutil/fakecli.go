package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFakeCLI writes an executable shell script standing in for the
// platform CLI and returns its path together with the path of its
// invocation log. Every invocation appends one line of arguments to the
// log before the provided body runs; the body can dispatch on "$1", "$2"
// and so on to emit canned output or exit codes.
func WriteFakeCLI(t *testing.T, body string) (cliPath, logPath string) {
	t.Helper()

	dir := t.TempDir()
	cliPath = filepath.Join(dir, "fake-platform-cli")
	logPath = filepath.Join(dir, "invocations.log")

	script := "#!/bin/sh\n" +
		"echo \"$@\" >> \"" + logPath + "\"\n" +
		body + "\n"

	if err := os.WriteFile(cliPath, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake CLI: %v", err)
	}
	return cliPath, logPath
}

// Invocations parses the fake CLI's log into one argument slice per call.
// A missing log file means the CLI was never invoked.
func Invocations(t *testing.T, logPath string) [][]string {
	t.Helper()

	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("failed to read invocation log: %v", err)
	}

	var calls [][]string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		calls = append(calls, strings.Fields(line))
	}
	return calls
}
