// Package derecho is a group-communication engine: it
// delivers totally-ordered, virtually-synchronous atomic
// multicast to dynamically-changing groups of nodes.
//
// The engine replaces explicit message passing with a shared
// state table (SST): a row-per-member table of counters that
// each member replicates outward with one-sided writes. A
// predicate engine turns locally-visible counter changes into
// triggers, and everything — sequencing, stability, delivery,
// flow control, membership changes — falls out of monotonic
// counters and min-scans over the table.
//
// Large payloads travel over a pipelined block multicast
// (binomial tree or chain); small ones ride inside the SST row
// itself. The membership service runs on the same table using
// its own columns, wedging the multicast core during a view
// change, equalizing delivered prefixes across survivors
// (ragged-edge cleanup), and installing the next view with
// unfinished sends carried forward.
//
// Applications start with StartNewGroup or JoinGroup, obtain
// send buffers per subgroup, and register delivery callbacks.
// See the Group type for the surface.
package derecho
