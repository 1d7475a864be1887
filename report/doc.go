// Package report collects the anomalies a harness run tolerates: framing and
// protocol defects on stdout, orphan responses, free-form output, stderr
// lines and process events. Every event is logged and counted; none of them
// stops a run.
//
// Stderr lines are compared against an allow-list after trimming surrounding
// whitespace. An exact match is suppressed (counted, logged at debug) and
// anything else becomes a KindStderr event. The default allow-list holds the
// single startup banner written by the reference weather server.
package report
