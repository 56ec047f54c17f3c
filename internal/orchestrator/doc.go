// Package orchestrator drives the offload class from outside the scheduler:
// it activates offload on a processor set, runs scheduled drain windows, and
// hands each vacated processor to its registered callback.
package orchestrator
