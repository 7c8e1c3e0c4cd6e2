// Package cache defines the generational response store that backs the offline
// shim. A Storage holds named generations (one per cache version); each
// Generation maps a normalized request Key to an immutable Response snapshot.
// Two backends are provided: a filesystem layout (temp file + rename, per-entry
// locks) and a SQLite database. Higher layers (offline.Manager) depend only on
// the interfaces so tests can inject failing fakes.
package cache
