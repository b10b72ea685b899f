// Package realtime is the data-synchronization client for the castboard
// casting-marketplace platform.
//
// It maintains one multiplexed connection to the change-feed service and
// exposes three kinds of lifecycle-scoped subscriptions on top of it:
//
//   - TableSubscription: an ordered, continuously reconciled view of one
//     table, loaded once from the row store and kept current by applying
//     row-level change events in delivery order.
//   - EventSubscription: the raw typed stream of INSERT/UPDATE/DELETE events
//     for a table and filter, with optional per-kind callbacks.
//   - PresenceSubscription: ephemeral who-is-online state for a named room,
//     plus broadcast messages relayed through it.
//
// Identical subscriptions (same table, filter and event class) share one
// logical channel on the connection; each consumer still owns its state
// exclusively. Disposing a consumer releases its channel reference, and the
// channel itself is closed once unreferenced.
//
// The connection redials automatically with backoff. After a reconnect every
// channel is re-joined, presence is re-tracked, and table views re-fetch
// their snapshot, because the feed has no sequence numbers to detect events
// lost in the gap.
package realtime
