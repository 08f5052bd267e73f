/*
Package logscan inspects cluster logs after the fact.

Two sources are searched for crash markers during teardown:

  - each instance's own log files on the host, including rotated and
    gzip-compressed siblings (FindFirst, Contains)
  - the combined log built by a Collector while the cluster runs, where each
    line is prefixed with the container name (FindInCombined)

The second source is only consulted for the sanitizer banner when the first
found nothing, so a report lost to log rotation is still attributed to the
right container.
*/
package logscan
