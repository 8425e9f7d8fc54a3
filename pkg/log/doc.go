/*
Package log provides structured logging for runfleet using zerolog.

The process logger is configured once in main via Init. Every long-lived
component (store, reaper, supervisor, engine controller) receives a child
logger through its constructor, usually derived with Component, so that tests
can pass zerolog.Nop() or a buffer-backed logger and production output always
carries a component field:

	{"level":"info","component":"reaper","run":"U123","time":"...","message":"Reset expired automated run"}

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	reaperLog := log.WithComponent("reaper")
	r := reaper.New(registry, props, reaperLog)

	runLog := log.WithRun(reaperLog, run.Name)
	runLog.Warn().Err(err).Msg("Malformed heartbeat")

Libraries that only accept an io.Writer (the raft transport and snapshot
store) are given Writer(parent, "raft"), which forwards each line as a
level-less event.

# Levels

  - debug: per-key watch deliveries, per-run scan decisions
  - info: lifecycle (job scheduled, pod created, run reset)
  - warn: per-item failures that are skipped (malformed heartbeat, pod create failed)
  - error: whole-cycle failures (store unavailable)
*/
package log
