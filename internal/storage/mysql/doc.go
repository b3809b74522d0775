// Package mysql persists committed slots. The MySQL repository stores each
// slot's header next to its canonical batch bytes and runs the embedded schema
// migrations on startup; the file repository keeps an append-only JSON line log
// for local development. Both only ever append.
package mysql
