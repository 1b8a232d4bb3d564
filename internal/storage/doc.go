package storage

// Package storage persists relaybot state in SQLite.
//
// Two stores share one driver:
//   - Registry: the control-plane database (worker registrations, policy
//     tables live alongside, owned by internal/policy).
//   - Arena: one database per worker (forward ledger, backfill checkpoint,
//     error log), owned exclusively by that worker's process.
