// Package relay implements the message-moving core of a worker: the
// resumable backfill engine that drains a channel's history, and the
// realtime loop that follows live events. Both paths share one forward
// ledger, pace their sends and consult the policy gate; neither ever
// touches the worker's registry row.
package relay
