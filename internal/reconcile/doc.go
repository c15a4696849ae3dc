// Package reconcile translates authoritative session snapshots delivered by
// the change feed into local participant transitions.
//
// The engine is pure: Apply takes the local State and one delivered record
// and returns the next State plus a description of what happened. It does
// no I/O and holds no locks; the participant agent owns serialization.
//
// # Rules
//
// Per delivered record U, in order:
//
//  1. U.SequenceNumber <= State.LastSeq: discarded as stale or duplicate.
//  2. U.IsBlocked: enter Blocked (terminal).
//  3. U.SequenceNumber < State.Floor: U predates a local optimistic write;
//     only LastSeq advances.
//  4. Not Loading: a differing current_step is adopted as drift.
//  5. Loading and U.WaitingForAdmin false: the moderator has judged. The
//     verdict tag decides when present. Without one, a step beyond the
//     submitted step (or the final step) is an approval, anything else a
//     rejection.
//  6. LastSeq = U.SequenceNumber.
package reconcile
