/*
Package volume manages the host directories of a test cluster.

Every instance and service node gets a directory under the data path,
grouped by project:

	<base>/<project>/<name>/
	    logs/   bind mounted as the container's log directory
	    data/   bind mounted as the container's data directory

Directories are created world-writable because the processes inside the
containers usually do not run as the invoking user. Teardown removes them
unless cleanup is disabled, which is the usual way to keep logs of a failed
run for inspection.
*/
package volume
