// Package gates runs a profile's quality gates and classifies the results.
//
// Each gate is a shell command run with `sh -c` in the working directory,
// in its own process group. A timeout kills the whole group, so commands
// that fork helpers (test runners, watchers) cannot outlive the gate.
//
// Classification fails closed: lint-class gates fail on any output even
// when the tool exits zero; every other class passes only on exit code 0.
// A timeout, a launch failure or a cancelled context is always a failed
// Result and never an error.
package gates
