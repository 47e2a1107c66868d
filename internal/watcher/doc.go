// Package watcher triggers repository syncs from filesystem events.
//
// Each watched repository gets its own debounce timer. Bursts of events are
// coalesced into one trigger fired once the repository has been quiet for
// the debounce interval. Working-tree changes trigger a sync when
// file_watcher.enabled is set; writes to .git/HEAD or .git/refs trigger one
// when sync_after_commit is set. A trigger that arrives while the previous
// sync of the same repository is still running is queued and runs once it
// finishes.
package watcher
