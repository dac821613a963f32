package platform

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultCLI is the platform CLI binary used when none is configured.
const DefaultCLI = "databricks"

// ShellClient implements Client by shelling out to the platform CLI.
type ShellClient struct {
	cli     string
	profile string
	host    string
}

// NewShellClient creates a platform client that invokes the given CLI
// binary. profile and host select the credential profile and API endpoint
// and are passed to the CLI via its environment.
func NewShellClient(cli, profile, host string) *ShellClient {
	if cli == "" {
		cli = DefaultCLI
	}
	return &ShellClient{
		cli:     cli,
		profile: profile,
		host:    host,
	}
}

// syncEvent is one newline-delimited JSON progress event from "sync".
type syncEvent struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	Error  string `json:"error"`
}

// appInfo is the subset of "apps get" output the client cares about.
type appInfo struct {
	Name      string `json:"name"`
	AppStatus struct {
		State   string `json:"state"`
		Message string `json:"message"`
	} `json:"app_status"`
	ActiveDeployment *struct {
		Status struct {
			State string `json:"state"`
		} `json:"status"`
	} `json:"active_deployment"`
}

// SyncFiles runs "sync <local> <remote> --output json" and aggregates the
// emitted progress events. A partial transfer produces both a populated
// result and an error.
func (c *ShellClient) SyncFiles(ctx context.Context, local, remote string) (*SyncResult, error) {
	cmd := c.command(ctx, "sync", local, remote, "--output", "json")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := parseSyncEvents(&stdout)

	if runErr != nil {
		return result, fmt.Errorf("%w: %s", runErr, strings.TrimSpace(stderr.String()))
	}
	return result, nil
}

// parseSyncEvents reads newline-delimited JSON sync events, ignoring any
// lines that are not valid events (the CLI interleaves human-readable
// notices on some versions).
func parseSyncEvents(r io.Reader) *SyncResult {
	result := &SyncResult{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var ev syncEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		if ev.Error != "" {
			result.Errors = append(result.Errors, FileError{Path: ev.Path, Cause: ev.Error})
			continue
		}
		if ev.Action == "put" {
			result.FilesTransferred++
			result.BytesTransferred += ev.Bytes
		}
	}

	return result
}

// AppExists queries the app via "apps get". A not-found answer is a
// definitive false, not an error.
func (c *ShellClient) AppExists(ctx context.Context, name string) (bool, error) {
	_, err := c.getApp(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateApp creates the app resource with the given description.
func (c *ShellClient) CreateApp(ctx context.Context, name, description string) error {
	_, err := c.run(ctx, "apps", "create", name, "--description", description)
	return err
}

// UpdateApp updates the app's description in place.
func (c *ShellClient) UpdateApp(ctx context.Context, name, description string) error {
	_, err := c.run(ctx, "apps", "update", name, "--description", description)
	return err
}

// DeployApp deploys the synced bundle at remote into the named app.
func (c *ShellClient) DeployApp(ctx context.Context, name, remote string) error {
	_, err := c.run(ctx, "apps", "deploy", name, "--source-code-path", remote)
	return err
}

// StartApp starts the app's compute.
func (c *ShellClient) StartApp(ctx context.Context, name string) error {
	_, err := c.run(ctx, "apps", "start", name)
	return err
}

// StopApp stops the app's compute.
func (c *ShellClient) StopApp(ctx context.Context, name string) error {
	_, err := c.run(ctx, "apps", "stop", name)
	return err
}

// GetAppStatus maps the platform's app status onto an AppState. A missing
// app reports StateAbsent without error.
func (c *ShellClient) GetAppStatus(ctx context.Context, name string) (AppState, error) {
	info, err := c.getApp(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return StateAbsent, nil
		}
		return StateAbsent, err
	}
	return mapAppState(info), nil
}

// StreamAppLogs streams "apps logs" output to w. With follow=true the
// stream is unbounded; cancelling the context ends it cleanly.
func (c *ShellClient) StreamAppLogs(ctx context.Context, name string, follow bool, tailLines int, w io.Writer) error {
	args := []string{"apps", "logs", name, "--tail", strconv.Itoa(tailLines)}
	if follow {
		args = append(args, "--follow")
	}

	cmd := c.command(ctx, args...)

	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A followed stream ends when the caller cancels; that is not a
		// failure of the log call itself.
		if ctx.Err() != nil {
			return nil
		}
		return classify(fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())), stderr.String())
	}
	return nil
}

// getApp fetches and decodes "apps get --output json" for the named app.
func (c *ShellClient) getApp(ctx context.Context, name string) (*appInfo, error) {
	output, err := c.run(ctx, "apps", "get", name, "--output", "json")
	if err != nil {
		return nil, err
	}

	var info appInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("failed to decode app info for %q: %w", name, err)
	}
	return &info, nil
}

// mapAppState translates platform status strings into the reconciler's
// state vocabulary.
func mapAppState(info *appInfo) AppState {
	switch strings.ToUpper(info.AppStatus.State) {
	case "RUNNING":
		return StateRunning
	case "CRASHED", "ERROR":
		return StateFailed
	case "DEPLOYED":
		return StateDeployed
	}
	if info.ActiveDeployment != nil && strings.ToUpper(info.ActiveDeployment.Status.State) == "SUCCEEDED" {
		return StateDeployed
	}
	return StateCreated
}

// command builds an exec.Cmd for the platform CLI with profile and host
// injected into the environment.
func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.cli, args...)
	cmd.Env = os.Environ()
	if c.profile != "" {
		cmd.Env = append(cmd.Env, "DATABRICKS_CONFIG_PROFILE="+c.profile)
	}
	if c.host != "" {
		cmd.Env = append(cmd.Env, "DATABRICKS_HOST="+c.host)
	}
	return cmd
}

// run executes a CLI command and returns stdout. Failures are classified
// into the sentinel error classes based on the CLI's combined output.
func (c *ShellClient) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := c.command(ctx, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		combined := stdout.String() + stderr.String()
		return stdout.Bytes(), classify(fmt.Errorf("%s %s failed: %w: %s",
			c.cli, strings.Join(args, " "), err, strings.TrimSpace(combined)), combined)
	}
	return stdout.Bytes(), nil
}

// classify wraps err with the sentinel matching the CLI output, so callers
// can branch on the failure class without string matching of their own.
func classify(err error, output string) error {
	switch {
	case containsAny(output, notFoundMarkers):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case containsAny(output, alreadyExistsMarkers):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, err)
	case containsAny(output, retryableMarkers):
		return fmt.Errorf("%w: %s", ErrRetryable, err)
	}
	return err
}

var _ Client = (*ShellClient)(nil)
