/*
Package runtime implements Conductor's Runtime Provider Abstraction: a
uniform interface over the isolation backends a Task may be dispatched to,
plus a closed factory registry keyed by a stable string key.

# Architecture

	┌──────────────────── RUNTIME PROVIDERS ─────────────────────┐
	│                                                              │
	│  ┌────────────────────────────────────────────────┐         │
	│  │              Provider interface                  │         │
	│  │  capabilities / spawn / execute / executeStream  │         │
	│  │  healthCheck / snapshot / restore / destroy      │         │
	│  └──────┬───────────────┬───────────────┬──────────┘         │
	│         │               │               │                    │
	│  ┌──────▼──────┐ ┌──────▼──────┐ ┌──────▼──────────┐         │
	│  │ HostSandbox │ │  MicroVM    │ │  RemoteSandbox   │         │
	│  │ os/exec in  │ │ containerd  │ │  grpc + structpb │         │
	│  │ a workspace │ │ + runc-v2   │ │  to an external  │         │
	│  │ dir; no     │ │ shim; read- │ │  service          │         │
	│  │ isolation   │ │ only root,  │ │                   │         │
	│  │             │ │ CPU/mem     │ │                   │         │
	│  │             │ │ ceilings    │ │                   │         │
	│  └─────────────┘ └─────────────┘ └──────────────────┘         │
	└──────────────────────────────────────────────────────────────┘

# Variant selection

The Fallback Orchestrator (pkg/fallback) walks a ranked list of runtime
kinds per Task, looking each up in a Registry by its stable string key
("host_sandbox", "microvm", "remote_sandbox"). Adding a new variant never
touches the Orchestrator: implement Provider and Register a Factory.

# Resource ceilings

MicroVM is the only variant with an enforcing resource model: CPU ceilings
map to CPU shares (1024 per core) plus a CFS quota, memory ceilings map to
a cgroup hard limit, both applied via OCI spec options at Spawn time.
HostSandbox and RemoteSandbox do not enforce ceilings locally; the Budget
Gate and originating policy are the only backstops for those variants.
*/
package runtime
