/*
Package types defines the data model shared by every outpost package.

An Exposure is one configured domain: the origin service it fronts, the provider
strategy that publishes it, and the ordered port mappings forwarded from the public
side to the origin. Exposures are built from configuration and never mutated; a
reload produces a fresh value that is handed to the reconciler owning that domain.

A StackDescriptor is one deployment of a relay stack. Its StackName is derived
from the domain with StackName, so a restarted process finds the stack it created
before the restart by asking the provider, without any local state:

	types.StackName("a.example")      // "outpost-a-example"
	types.StackName("API.Example.com.") // "outpost-api-example-com"

StackState tracks a descriptor through its lifecycle:

	Pending ──► Creating ──► Ready ◄──► Degraded
	               │           │           │
	               ▼           ▼           ▼
	            Failed      Destroying ──► Destroyed

Destroying and Destroyed are terminal for a descriptor. A redeploy after a
watchdog self-destruct creates a new descriptor with the same StackName.

ExposureStatus is the read-only snapshot served by the status API.
*/
package types
