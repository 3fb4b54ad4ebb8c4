package deployer

import (
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/cuemby/outpost/pkg/template"
	"github.com/cuemby/outpost/pkg/types"
)

// Status is one observation of a stack
type Status struct {
	State       types.StackState
	StackStatus string
	InProgress  bool
	Reason      string
	StackID     string
	Outputs     map[string]string
	Tags        map[string]string
	CreatedAt   time.Time
}

// PublicEndpoint returns the relay address once the stack has published it
func (s *Status) PublicEndpoint() string {
	return s.Outputs[template.OutputPublicIP]
}

func destroyedStatus() *Status {
	return &Status{
		State:       types.StackStateDestroyed,
		StackStatus: string(cfntypes.StackStatusDeleteComplete),
		Outputs:     map[string]string{},
		Tags:        map[string]string{},
	}
}

func newStatus(s cfntypes.Stack) *Status {
	state, inProgress := mapStatus(s.StackStatus)
	st := &Status{
		State:       state,
		StackStatus: string(s.StackStatus),
		InProgress:  inProgress,
		Reason:      aws.ToString(s.StackStatusReason),
		StackID:     aws.ToString(s.StackId),
		Outputs:     make(map[string]string, len(s.Outputs)),
		Tags:        make(map[string]string, len(s.Tags)),
		CreatedAt:   aws.ToTime(s.CreationTime),
	}
	for _, o := range s.Outputs {
		st.Outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	for _, t := range s.Tags {
		st.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return st
}

// mapStatus folds CloudFormation's stack statuses onto StackState. A stack
// whose infrastructure is intact but being changed is Ready and in progress.
func mapStatus(s cfntypes.StackStatus) (types.StackState, bool) {
	switch s {
	case cfntypes.StackStatusCreateInProgress, cfntypes.StackStatusReviewInProgress:
		return types.StackStateCreating, true

	case cfntypes.StackStatusCreateComplete,
		cfntypes.StackStatusUpdateComplete,
		cfntypes.StackStatusUpdateRollbackComplete,
		cfntypes.StackStatusImportComplete,
		cfntypes.StackStatusImportRollbackComplete:
		return types.StackStateReady, false

	case cfntypes.StackStatusUpdateInProgress,
		cfntypes.StackStatusUpdateCompleteCleanupInProgress,
		cfntypes.StackStatusUpdateRollbackInProgress,
		cfntypes.StackStatusUpdateRollbackCompleteCleanupInProgress,
		cfntypes.StackStatusImportInProgress,
		cfntypes.StackStatusImportRollbackInProgress:
		return types.StackStateReady, true

	case cfntypes.StackStatusDeleteInProgress:
		return types.StackStateDestroying, true

	case cfntypes.StackStatusDeleteComplete:
		return types.StackStateDestroyed, false

	case cfntypes.StackStatusRollbackInProgress:
		return types.StackStateFailed, true

	default:
		// CREATE_FAILED, ROLLBACK_*, DELETE_FAILED, UPDATE_ROLLBACK_FAILED, ...
		return types.StackStateFailed, false
	}
}

// readyOrFailed is the completion test for create and update waits
func readyOrFailed(st *Status) (bool, error) {
	switch st.State {
	case types.StackStateReady:
		return !st.InProgress, nil
	case types.StackStateCreating:
		return false, nil
	default:
		return true, fmt.Errorf("%w: %s %s", ErrStackFailed, st.StackStatus, st.Reason)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
