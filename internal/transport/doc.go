// Package transport maintains the long-lived link between voxgate and the
// core engine process. It dispatches tasks, delivers engine completions on a
// channel that never blocks the receive loop, relays progress lines to
// subscribers, answers health pings, and reconnects with exponential backoff
// when the link drops.
package transport
