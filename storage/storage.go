// Package storage provides the durable key-value adapter backing reputation
// records and snapshots. Two backends exist: a process-local memory store
// and a file store with write-behind flushing. The adapter guarantees
// durability per key but no cross-key transactions.
package storage

import "errors"

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("storage: adapter closed")

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Adapter is a durable key→value map. Values are opaque blobs; keys follow
// the "reputation/<agentId>/<version>" and "snapshot/<kind>/<id>"
// conventions but the adapter treats them as flat strings.
type Adapter interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Has reports whether key exists.
	Has(key string) (bool, error)
	// List returns all keys with the given prefix, sorted. An empty
	// prefix lists every key.
	List(prefix string) ([]string, error)
	// Clear removes all keys.
	Clear() error
	// Close flushes pending writes and releases resources.
	Close() error
}
