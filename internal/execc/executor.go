// Package execc is the command executor of spec.md §4.1: it runs the six
// well-known external shell scripts and reports (exit code, stdout,
// stderr), never treating a non-zero exit as a Go error. Grounded on the
// teacher's openvpn.go, which likewise shells out to an external process
// and captures its pipes rather than parsing structured output; the
// management-socket machinery there has no counterpart here since these
// scripts are one-shot, not long-running.
package execc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"
)

// Result is the outcome of one script invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the script exited zero (spec.md §4.1).
func (r Result) Success() bool { return r.ExitCode == 0 }

// Executor runs the six scripts named in spec.md §4.1, all resolved
// relative to ScriptPath from local.yml.
type Executor struct {
	ScriptPath string
	logger     *log.Logger
}

func New(scriptPath string, logger *log.Logger) *Executor {
	return &Executor{ScriptPath: scriptPath, logger: logger}
}

func (e *Executor) script(name string) string {
	return filepath.Join(e.ScriptPath, name)
}

// run invokes a script with the given arguments, capturing stdout/stderr
// separately and returning the exit code without treating non-zero exit
// as a Go error (spec.md §4.1 "never raises for non-zero exit").
func (e *Executor) run(ctx context.Context, scriptName string, args ...string) (Result, error) {
	path := e.script(scriptName)
	cmd := exec.CommandContext(ctx, path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("execc: running", "script", scriptName, "args", args)
	err := cmd.Run()

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		// The script itself never launched (missing file, permission
		// denied, or ctx cancelled): this is an executor-level failure,
		// distinct from a script reporting non-zero.
		return result, fmt.Errorf("execc: %s: %w", scriptName, err)
	}

	e.logger.Debug("execc: finished", "script", scriptName, "exit_code", result.ExitCode)
	return result, nil
}

// SetOnline runs vpn-set-online.sh name local_addr state_dir site_id gateway_addr.
func (e *Executor) SetOnline(ctx context.Context, name, localAddr, stateDir, siteID, gatewayAddr string) (Result, error) {
	return e.run(ctx, "vpn-set-online.sh", name, localAddr, stateDir, siteID, gatewayAddr)
}

// SetOffline runs vpn-set-offline.sh name local_addr state_dir.
func (e *Executor) SetOffline(ctx context.Context, name, localAddr, stateDir string) (Result, error) {
	return e.run(ctx, "vpn-set-offline.sh", name, localAddr, stateDir)
}

// CheckOnline runs vpn-check-online.sh local_addr timeout name.
func (e *Executor) CheckOnline(ctx context.Context, localAddr string, timeoutSeconds int, name string) (Result, error) {
	return e.run(ctx, "vpn-check-online.sh", localAddr, strconv.Itoa(timeoutSeconds), name)
}

// CheckPID runs check-pid.sh name local_addr state_dir.
func (e *Executor) CheckPID(ctx context.Context, name, localAddr, stateDir string) (Result, error) {
	return e.run(ctx, "check-pid.sh", name, localAddr, stateDir)
}

// AddRoute runs add-vpn-route.sh anycast_addr gateway_addr.
func (e *Executor) AddRoute(ctx context.Context, anycastAddr, gatewayAddr string) (Result, error) {
	return e.run(ctx, "add-vpn-route.sh", anycastAddr, gatewayAddr)
}

// DeleteRoute runs delete-vpn-route.sh anycast_addr.
func (e *Executor) DeleteRoute(ctx context.Context, anycastAddr string) (Result, error) {
	return e.run(ctx, "delete-vpn-route.sh", anycastAddr)
}
