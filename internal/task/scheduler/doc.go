// Package scheduler owns every refresh trigger.
//
// A daily HH:MM entry and an optional interval entry run on robfig/cron in the
// configured timezone. Manual triggers (API, CLI, file drops) go through Trigger.
// Each trigger starts one cycle with a snowflake id and hands it to a Runner
// (the task engine). Cycles may overlap; per-unit locks in the engine serialize
// work on the same (protocol, class).
package scheduler
