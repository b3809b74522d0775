// Package api exposes the node over HTTP: transaction submission, slot
// queries, range verification, node status and the diagnostic ledger dump.
package api
