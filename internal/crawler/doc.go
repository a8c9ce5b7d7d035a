// Package crawler defines the shared vocabulary of the checkout crawler: site
// entries, run configuration, capture kinds, result statuses, the error
// taxonomy, and the interfaces the task pipeline depends on (engine, session,
// blob store, result store, publisher, clock).
package crawler
