// Package subs manages who watches which room.
//
// It owns four kinds of keys in the store:
//
//	queue            the deduplicated set of all rooms being polled
//	users            the registry of known subscriber ids
//	sub:user:<id>    rooms one subscriber watches
//	sub:room:<name>  subscribers of one room
//
// Invariant: a room is in the queue iff it has at least one subscriber.
// Every mutation that could violate this runs both sides inside a single
// optimistic compare-and-swap batch, so the check and the write see the
// same versions.
package subs
