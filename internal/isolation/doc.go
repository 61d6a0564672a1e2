// Package isolation is the top-level orchestrator for environments.
//
// The Manager owns the table of live environments, picks an engine from the
// registry for each new environment, enforces the environment ceiling and
// keeps snapshots in a store whose lifetime is independent of the
// environments they were taken from.
//
// Multi-step operations are fail-fast. CreateEnvironment reserves capacity
// before touching any engine. MigrateEnvironment creates the target before it
// removes the source and discards the target again if copying state fails.
// RestoreSnapshot removes a new environment it could not restore into.
package isolation
