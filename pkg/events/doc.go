/*
Package events distributes exposure lifecycle events.

Reconcilers, the manager and the config watcher publish events such as
stack.creating, stack.ready, stack.vanished and config.rejected. The Broker
fans them out to subscribers and keeps the most recent ones for the status
API's /events endpoint.

Publishing never blocks. If the queue is full the event is dropped, and a slow
subscriber misses events rather than stalling everyone else. Events are
informational; no control decision depends on them.
*/
package events
