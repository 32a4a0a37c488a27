/*
Package log provides Conductor's structured logging on top of zerolog: a
global logger initialized once via Init, and component/entity child
loggers for consistent context fields across subsystems.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	schedulerLog := log.Component("router")
	schedulerLog.Info().Str("task_id", id).Msg("task routed")

	log.WithInstanceID(instanceID).Warn().Msg("probe failed")
	log.WithTaskID(taskID).Info().Msg("dispatched")
	log.WithTenantID(tenantID).Info().Msg("budget alert")

# Design Patterns

Component() and the WithInstanceID/WithTaskID/WithTenantID helpers return
plain zerolog.Logger values carrying one extra context field — callers
chain them with .With() for multiple fields rather than Conductor
exposing a wider context-builder API. JSONOutput selects structured JSON
(production) vs. zerolog's ConsoleWriter (development); both write
through the same global Logger so every package logs the same way.
*/
package log
