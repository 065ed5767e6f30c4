// Package store holds the authoritative in-memory model of conversations,
// messages, file attachments, and per-conversation connection state.
//
// # Overview
//
// The Store is the single source of truth for everything the UI renders.
// All entities are owned exclusively by the Store; other layers (the session
// controller, the upload tracker) mutate entities only through the Store's
// methods, which form the single choke point where invariants are enforced:
//
//   - at most one message per conversation is in the streaming state
//   - a pending message is swapped for its server-confirmed counterpart,
//     never duplicated
//   - message order within a conversation is append order and is never
//     rearranged by reconciliation
//   - upload progress is monotonically non-decreasing and terminal upload
//     states are immutable
//
// # Reading
//
// Readers never see internal entities. Snapshot returns deep copies of a
// conversation's messages, files, agent selection, and connection state.
// Mutations publish change notifications through the Notifier so the UI can
// re-read snapshots instead of polling.
package store
