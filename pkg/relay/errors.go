package relay

import (
	"fmt"
	"time"
)

// DeploymentTimeout is returned when the relay never signalled its wait
// condition.
// The partially created stack has been deleted by the time it is returned.
type DeploymentTimeout struct {
	StackName string
	Timeout   time.Duration
	Err       error
}

func (e *DeploymentTimeout) Error() string {
	return fmt.Sprintf("stack %s: relay not ready after %s: %v", e.StackName, e.Timeout, e.Err)
}

func (e *DeploymentTimeout) Unwrap() error { return e.Err }

// Permanent marks the error as not retryable
func (e *DeploymentTimeout) Permanent() bool { return true }

// DeploymentFailed is returned when the relay reported FAILURE on its wait
// condition
type DeploymentFailed struct {
	StackName string
	Err       error
}

func (e *DeploymentFailed) Error() string {
	return fmt.Sprintf("stack %s: %v", e.StackName, e.Err)
}

func (e *DeploymentFailed) Unwrap() error { return e.Err }

// Permanent marks the error as not retryable
func (e *DeploymentFailed) Permanent() bool { return true }

// ForeignStack is returned when a stack with the exposure's name is tagged
// with another host's owner id. Such a stack is never attached to or deleted.
type ForeignStack struct {
	StackName string
	Owner     string
}

func (e *ForeignStack) Error() string {
	return fmt.Sprintf("stack %s is owned by %s", e.StackName, e.Owner)
}

// Permanent marks the error as not retryable
func (e *ForeignStack) Permanent() bool { return true }
