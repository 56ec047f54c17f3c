// Package logx wraps zerolog for offschedd.
//
// Console output is human readable with a short caller. The file sink is
// JSON. An optional mirror receives a rate-limited one-line copy of
// records at or above a minimum level; the daemon feeds it into the trace
// ring so warnings show up next to scheduler events in a dump.
package logx
