/*
Package storage persists the resource ledger of test clusters in BoltDB.

Each resource (container, directory or port lease) is one JSON value in the
"resources" bucket under the key "<project>/<kind>/<id>", so all resources
of a project are a contiguous key range. A cluster records a resource before
creating it and forgets it after removing it; anything left under a project
belongs to a run that died before teardown and is reaped on the next start
or by "burrow cleanup".

The database lives at <data dir>/burrow.db. BoltDB holds an exclusive file
lock, so opening times out after one second instead of hanging when another
worker has the ledger open.
*/
package storage
