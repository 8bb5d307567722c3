// Package cache implements the two-tier (memory + disk) store keyed by the
// deterministic ETag of a bundled module. Entries are immutable once written:
// a key always maps to the same bytes because published package versions never
// change. The disk tier uses temp file + rename for atomic writes and survives
// process restarts; the memory tier does not. The manager also owns build
// arbitration (singleflight per key), the compiler warm cache, and the
// background compression queue.
package cache
