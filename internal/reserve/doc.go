// Package reserve implements cooperative resource locks. Reservations are
// advisory: they impose no OS-level enforcement, so correctness depends on
// all participants honoring them. Multi-resource acquisition is
// all-or-nothing to prevent partial-lock deadlocks between agents requesting
// overlapping sets in different orders.
package reserve
