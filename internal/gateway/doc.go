// Package gateway is the boundary between callers and the engine. A request
// moves through Received, Registered and Dispatched to one of Resolved,
// TimedOut or Rejected. Every error it returns wraps one of the category
// sentinels in errors.go, so callers never see an uncategorized transport or
// registry error.
//
// Run must be started once to move engine completions into the registry.
package gateway
