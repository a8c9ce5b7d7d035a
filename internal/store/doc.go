// Package store defines persistence interfaces for run bookkeeping. It must
// not import database drivers; implementations live under internal/storage.
package store
