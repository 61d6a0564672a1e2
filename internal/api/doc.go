// Package api defines the error taxonomy and the structured result returned
// by every operation sandboxctl exposes to its CLI.
//
// Errors carry a Kind (ConfigurationError, ResourceExhausted, Timeout,
// TransientFailure, TerminalFailure, IntegrityError) and match the sentinel
// of their kind through errors.Is:
//
//	if errors.Is(err, api.ErrTransient) {
//	    // retry
//	}
//
// Result wraps a payload or an ErrorDetail so callers never have to inspect
// Go error values to render an outcome.
package api
