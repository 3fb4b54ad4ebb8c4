/*
Package watchdog implements both halves of the liveness protocol between an
origin and its relay.

Both halves share Counter: consecutive failures are counted, any success
resets the count, and reaching the threshold fires exactly once.

Remote runs on the relay as `outpost relay watchdog`, started by the relay's
boot script. It probes the origin's tunnel address and, when the origin has
been unreachable for Threshold consecutive checks, deletes its own stack with
the instance role's credentials. The delete is unilateral: the origin may be
gone for good, so there is nobody to ask. A state file stops a restarted agent
on the dying instance from deleting twice.

Local runs beside each reconciler on the origin. It samples the tunnel and the
stack on a fixed interval and sends Observations on a channel:

	TunnelHealthy  the tunnel came up or recovered
	TunnelStale    Threshold consecutive samples without a live tunnel
	StackVanished  a stack that existed is gone

StackVanished is the expected result of a relay self-destruct and is logged
as such; the reconciler answers it by redeploying. A failed sample is never
read as a vanished stack.
*/
package watchdog
