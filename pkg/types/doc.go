// Package types defines the data model shared by every Burrow package:
// cluster and instance lifecycle states, capabilities, instance and
// container specs, and the resources recorded in the ledger.
package types
