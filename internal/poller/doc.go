// Package poller runs the periodic status-polling cycle.
//
// A cycle: acquire the singleton lease, walk the room queue in batches,
// fetch each room's state through the shared pacing gate, detect
// transitions against the stored records, fan out notifications through
// the dispatcher, and release the lease in a guaranteed-cleanup path.
//
// Overlapping cycles are prevented by the lease alone; its TTL is shorter
// than the trigger interval so a crashed holder self-heals before the next
// tick. Everything else contended (queue, records) goes through the
// storage CAS primitives.
package poller
