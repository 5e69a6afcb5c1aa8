// Package persistence stores session state and sealed credentials.
//
// Store is a small string key-value interface with three backends:
// MemoryStore for tests and one-shot use, FileStore for a single JSON file
// that survives restarts, and RedisStore for sharing state between
// processes. Vault seals credentials with XChaCha20-Poly1305 before they
// reach any Store, so a leaked state file or Redis dump does not reveal
// passwords.
package persistence
