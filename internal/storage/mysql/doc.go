// Package mysql persists reward history. It ships an append-only JSON-lines
// repository for single-node runs and a MySQL repository whose schema is
// managed by the embedded migrations under deploy/migrations.
package mysql
