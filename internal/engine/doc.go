// Package engine defines the contract every isolation backend implements and
// the lifecycle shared by all environments.
//
// An Engine creates and cleans up Environments. Each Environment moves through
// a fixed state machine:
//
//	created -> activating -> active -> deactivating -> inactive -> cleanup_start -> cleanup_complete
//
// with inactive -> activating for re-activation, created/error -> cleanup_start
// for tearing down environments that never became active, and error reachable
// from every non-terminal state.
//
// Backends embed *Base to get the shared bookkeeping: status and transition
// history, the tracked port set, the package manifest and snapshot record
// construction. Concrete backends live in the filesystem, runtime and
// container sub-packages.
package engine
