// Package config provides configuration management for sandboxctl.
//
// Configuration is loaded from multiple sources and merged in a specific
// order, with later sources overriding earlier ones:
//
//  1. Default Configuration (compiled in, see GetDefaultConfig)
//  2. User Configuration (~/.config/sandboxctl/config.yaml)
//  3. Project Configuration (./.sandboxctl/config.yaml)
//  4. Environment variables prefixed with SANDBOXCTL_
//
// A file layer only overrides the keys it names. Unknown keys are rejected.
// The merged result is checked by Config.Validate.
//
// # Configuration Structure
//
//	isolation:
//	  defaultLevel: filesystem   # filesystem, runtime or container
//	  baseDir: /var/tmp/sandboxctl
//	  maxEnvironments: 10
//	installer:
//	  workers: 4
//	  maxRetries: 3
//	  taskTimeout: 10m
//	  conflictDetection: true
//	resources:
//	  maxCPUPercent: 90
//	  maxMemoryMB: 8192
//	engines:
//	  runtime:
//	    interpreter: python3.12
//	  container:
//	    runtime: podman
//	    image: python:3.12-slim
//	snapshots:
//	  store: sqlite
//	  path: /var/lib/sandboxctl/snapshots.db
//
// # Environment Variables
//
// Every key has an environment variable built from its section, for example
// SANDBOXCTL_INSTALLER_WORKERS=8, SANDBOXCTL_ENGINES_CONTAINER_RUNTIME=docker
// or SANDBOXCTL_LOG_LEVEL=debug.
package config
