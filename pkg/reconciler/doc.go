/*
Package reconciler drives each exposure towards its desired state.

One Reconciler owns one exposure. It runs a single goroutine that wakes on three
inputs and, on each, observes the provider through its Strategy and acts on the
difference:

	┌────────────────────────────────────────────────────────────┐
	│                   Reconciler (per domain)                  │
	└───────┬──────────────────┬──────────────────┬──────────────┘
	        │                  │                  │
	   Update/Remove     watchdog.Local       ticker
	   (latest wins)      observations      (Interval)
	        │                  │                  │
	        └──────────────────┼──────────────────┘
	                           ▼
	              Strategy.Observe → decide → act

Because only the loop calls Provision, Reconfigure and Teardown, two actions on
the same exposure never overlap. Observe is also called by the local watchdog
and must be safe for concurrent use.

# Decisions

	observed                          action
	─────────────────────────────────────────────────────────────
	nothing exists                    Provision
	stack gone after it was running   local cleanup, Provision
	exists, not held by this process  Provision (attaches, rekeys)
	held, fingerprint differs         Reconfigure in place
	held, tunnel stale                Degraded; repair via Reconfigure
	Degraded > DegradedRedeployAfter  Teardown, Provision
	own stack failed at the provider  Failed
	failed stack left by earlier run  Provision (replaces it)
	Destroying                        wait

A vanished stack is the expected outcome of a relay self-destruct and is logged
at info level.

# Failures

Strategy errors are sorted by IsPermanent and IsDegrading. Permanent errors
(invalid credentials, a readiness timeout, exhausted entropy) move the exposure
to Failed, which is sticky until Update hands over an exposure with a different
fingerprint. A tunnel that cannot be established leaves the stack in place and
the exposure Degraded. Anything else is retried on the next tick.

# Shutdown

Cancelling the Run context tears the deployment down when TeardownOnExit is
set, using a fresh timeout so an in-flight delete finishes. Remove always tears
down and makes Run return.

Status snapshots are published through an atomic pointer and can be read from
any goroutine.
*/
package reconciler
