package deployer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind separates errors worth retrying from errors that never heal on their own
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

var (
	// ErrAlreadyExists is returned by Create when a stack with the name exists
	ErrAlreadyExists = errors.New("stack already exists")

	// ErrNotFound is returned by Find when no live stack has the name, and by
	// Resource when the stack has no such resource
	ErrNotFound = errors.New("stack not found")

	// ErrStackFailed is returned by the wait helpers when the stack ends in a
	// failed or deleted state instead of the awaited one
	ErrStackFailed = errors.New("stack operation failed")
)

// ProviderError is a classified control-plane failure
type ProviderError struct {
	Op   string
	Kind Kind
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s error %s: %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err, or anything it wraps, is a permanent
// provider failure
func IsPermanent(err error) bool {
	if errors.Is(err, ErrStackFailed) {
		return true
	}
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Kind == Permanent
}

var transientCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"ThrottledException":       true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
	"ServiceUnavailable":       true,
	"InternalFailure":          true,
	"InternalError":            true,
	"PriorRequestNotComplete":  true,
}

// Classify wraps err in a ProviderError. Throttling, server faults and network
// failures are transient; validation, quota and authorization failures are
// permanent.
func Classify(op string, err error) *ProviderError {
	if err == nil {
		return nil
	}

	var existing *ProviderError
	if errors.As(err, &existing) {
		return existing
	}

	perr := &ProviderError{Op: op, Kind: Permanent, Err: err}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		perr.Code = ae.ErrorCode()
		if transientCodes[perr.Code] || ae.ErrorFault() == smithy.FaultServer {
			perr.Kind = Transient
		}
		return perr
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && (status.HTTPStatusCode() >= 500 || status.HTTPStatusCode() == 429) {
		perr.Kind = Transient
		return perr
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		perr.Kind = Transient
		return perr
	}

	// Connection failures without a typed error
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof") {
		perr.Kind = Transient
	}
	return perr
}

func apiCode(err error) (code, message string) {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode(), ae.ErrorMessage()
	}
	return "", ""
}

// isNotExist matches the ValidationError CloudFormation returns for an unknown
// stack name
func isNotExist(err error) bool {
	code, msg := apiCode(err)
	return code == "ValidationError" && strings.Contains(msg, "does not exist")
}

func isNoUpdates(err error) bool {
	code, msg := apiCode(err)
	return code == "ValidationError" && strings.Contains(msg, "No updates are to be performed")
}

func isAlreadyExists(err error) bool {
	code, _ := apiCode(err)
	return code == "AlreadyExistsException"
}
