// Package storage persists bot users (group selection and notification
// preferences) and notifier dedup markers.
//
// Drivers: "file" (snapshot + journal), "sqlite" (modernc.org/sqlite) and
// "postgres" (pgx pool).
package storage
