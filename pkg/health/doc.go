/*
Package health provides the readiness probes used while a cluster starts.

Three checkers implement the Checker interface:

  - TCPChecker dials an address and succeeds once a connection is accepted
  - HTTPChecker issues a GET and succeeds on any 2xx answer
  - ExecChecker runs a command inside a container through an Execer, or on
    the host when no container is set

Probe turns a single check into an error. Errors keep the dial or request
failure in their chain so IsNotListening can separate "nothing is listening
yet" (connection refused, unreachable, timeout) from failures that should
stop a wait immediately.

Checkers are stateless; polling and deadlines live in package retry.
*/
package health
