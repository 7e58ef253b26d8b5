// Package validation is the pre-activation rule engine. Rules carry a
// category, a severity, and optional dependencies on other rules; the
// validator partitions a rule set into dependency levels and evaluates
// each level in parallel under a configurable limit. A critical failure
// aborts the run, a timed-out rule is promoted to critical, and the
// report scores the run as the fraction of rules that passed.
package validation
