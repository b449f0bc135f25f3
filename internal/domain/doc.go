// Package domain holds the value types shared by the aggregation pipeline:
// snapshots, proposal records, change events, assessments and notification jobs.
package domain
