// Package registry tracks dispatched tasks from registration until they are
// evicted. It bounds the number of pending tasks, hands each waiting caller a
// per-task completion signal, and absorbs duplicate resolutions from the engine.
package registry
