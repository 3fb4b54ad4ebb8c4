/*
Package health provides the probes used by outpost's watchdogs and by the CDN
strategy to decide whether the other end of a tunnel is still there.

Every probe implements Checker:

	type Checker interface {
	    Check(ctx context.Context) Result
	    Type() CheckType
	}

Three probe kinds exist. TCPChecker opens a connection, HTTPChecker expects a
status code inside a range, and ExecChecker runs a command and expects exit
code 0. NewPingChecker is an ExecChecker around a single system ping, which is
what the relay agent uses by default against the origin's tunnel address.

Parse builds a checker from the target strings accepted by
`outpost relay watchdog --target`:

	tcp://10.99.0.2:22
	http://10.99.0.2:8080/healthz
	ping://10.99.0.2
	10.99.0.2        (ping)
	10.99.0.2:22     (tcp)

A single Result says nothing about liveness. Callers feed results into a
watchdog.Counter, which only reacts to consecutive failures.
*/
package health
