/*
Package manager runs one reconciler per configured exposure.

Every reconciler runs in its own goroutine of an errgroup. The goroutines never
return errors: a failing exposure is reported in its own status and never stops
the others. Cancelling the context passed to Run stops every reconciler, which
tears its deployment down when teardown_on_exit is set, and Run returns once
all of them are done.

# Reloads

Apply takes the complete list of desired exposures and diffs it against the
running reconcilers:

	new domain          start a reconciler
	same provider       Update; the reconciler decides whether anything changed
	provider changed    remove the old one, start the new one once it is gone
	domain missing      remove; the reconciler tears down and exits

A domain that is removed and added again waits for the old teardown too, so
two strategies never own the same domain at once.

# Orphans

Before the reconcilers start, Run lists the stacks tagged as managed by
outpost and deletes those whose domain is no longer a configured aws exposure.
Stacks of configured domains are left alone; their reconcilers attach to them.
*/
package manager
