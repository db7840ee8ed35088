// Package publisher republishes a selected candidate to every configured
// destination and decides whether it is committed to history.
//
// # Destinations
//
// Each platform implements Destination and registers a Factory for its type
// from an init function (see the sink package). BuildTargets turns the
// resolved destination configuration into Targets, which add the per
// destination post_nsfw and post_spoilers overrides and a timeout.
//
// # Publishing
//
// Coordinator.Publish runs in three steps:
//
//  1. Targets whose overrides refuse the candidate are skipped.
//  2. Media is acquired once when any remaining target uploads media. A
//     failed acquisition fails only the targets that need media.
//  3. Every remaining target is published concurrently, each bounded by its
//     own timeout. All outcomes settle before anything is committed.
//
// The candidate is committed when at least one target succeeded, or when
// every target skipped it:
//
//	success + failed   -> published, committed
//	skipped + skipped  -> excluded, committed
//	skipped + failed   -> failed, retried next pass
//
// Temporary media files are released on every exit path.
package publisher
