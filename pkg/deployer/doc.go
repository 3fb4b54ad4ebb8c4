/*
Package deployer drives the CloudFormation stacks that host relays.

A Deployer wraps a narrow CloudFormationAPI, satisfied by *cloudformation.Client,
and maps CloudFormation's stack statuses onto types.StackState:

	CREATE_IN_PROGRESS, REVIEW_IN_PROGRESS          → Creating
	CREATE_COMPLETE, UPDATE_COMPLETE, ...           → Ready
	UPDATE_IN_PROGRESS, UPDATE_ROLLBACK_*_PROGRESS  → Ready (InProgress)
	DELETE_IN_PROGRESS                              → Destroying
	DELETE_COMPLETE, or unknown to the provider     → Destroyed
	CREATE_FAILED, ROLLBACK_*, DELETE_FAILED, ...   → Failed

Every API call is retried with bounded exponential backoff. Errors are
classified from their smithy API error code: throttling, server faults and
network failures are Transient and retried; validation, quota and authorization
failures are Permanent and returned immediately. A lookup that keeps failing
returns an error rather than reporting the stack as Destroyed.

Stacks are created with OnFailure=DELETE so a failed creation cleans up after
itself. Create reports ErrAlreadyExists instead of creating a duplicate, which
lets a restarted process attach to the stack it submitted before the restart.
*/
package deployer
