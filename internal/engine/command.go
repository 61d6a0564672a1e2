package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sandboxctl/internal/api"
	"sandboxctl/internal/process"
)

// ExpandTemplate splits a command template on whitespace and substitutes
// {key} placeholders inside each argument. Values are never re-split, so a
// value containing spaces stays one argument.
func ExpandTemplate(tmpl string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	fields := strings.Fields(tmpl)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, r.Replace(f))
	}
	return out
}

// PackageVars returns the placeholders available to install templates.
func PackageVars(pkg Package, envPath string) map[string]string {
	return map[string]string{
		"package": pkg.String(),
		"name":    pkg.Name,
		"version": pkg.VersionString(),
		"path":    envPath,
	}
}

// RunInstallCommand runs an install or uninstall command and classifies the
// outcome: a non-zero exit is transient, a missing executable is terminal
// and an exceeded deadline is a timeout. Cancellation is returned as is.
func RunInstallCommand(ctx context.Context, spawner process.Spawner, op string, cmd process.Command) (process.Result, error) {
	if len(cmd.Args) == 0 {
		return process.Result{}, api.NewConfigurationError(op, "command template expands to an empty command")
	}
	res, err := spawner.Spawn(ctx, cmd)
	if err != nil {
		if api.IsKind(err, api.KindTimeout) || errors.Is(err, context.Canceled) {
			return res, err
		}
		if errors.Is(err, process.ErrNotFound) {
			return res, api.NewTerminalError(op, err, "cannot run %s", cmd.Args[0])
		}
		return res, api.NewTerminalError(op, err, "failed to run %s", cmd.Args[0])
	}
	if !res.Success() {
		return res, api.NewTransientError(op, nil, "%s exited with code %d: %s",
			strings.Join(cmd.Args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// IsBackendFailure reports whether err from an environment operation should
// move the environment to the error state. Transient install failures,
// deadlines, configuration mistakes and state errors leave it where it is.
func IsBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	if api.IsTransient(err) || api.IsKind(err, api.KindTimeout) || api.IsKind(err, api.KindConfiguration) {
		return false
	}
	if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvalidTransition) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// ReinstallPackages installs every spec env does not already have. It is the
// generic part of restoring a snapshot captured by another backend.
func ReinstallPackages(ctx context.Context, env Environment, specs []string) error {
	installed, err := env.ListInstalledPackages(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]string, len(installed))
	for _, p := range installed {
		have[p.Name] = p.String()
	}
	for _, spec := range specs {
		pkg, err := ParsePackage(spec)
		if err != nil {
			return api.NewIntegrityError("restore", "snapshot lists invalid package: %v", err)
		}
		if have[pkg.Name] == pkg.String() {
			continue
		}
		if err := env.InstallPackage(ctx, spec); err != nil {
			return fmt.Errorf("failed to reinstall %s: %w", spec, err)
		}
	}
	return nil
}
