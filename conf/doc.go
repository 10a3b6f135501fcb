// Package conf holds the display configuration value types: a snapshot
// of every output's capabilities and desired state, detached from the
// hardware it was probed from. Values are cloned, compared and mutated
// freely; only kms applies them to hardware.
package conf
