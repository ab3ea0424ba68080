package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Sentinel errors for cloud operations.
var (
	// ErrNotFound indicates the addressed VM, disk, stemcell or snapshot
	// does not exist in the IaaS.
	ErrNotFound = errors.New("cloud resource not found")

	// ErrUnresponsive indicates the agent did not answer.
	ErrUnresponsive = errors.New("agent unresponsive")
)

// CallError wraps a failed CPI or agent call with its method and target.
type CallError struct {
	// Method is the RPC name, e.g. "delete_vm" or "get_state".
	Method string

	// Target is the cid or agent id the call addressed.
	Target string

	Err error
}

func (e *CallError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// NotFound builds the error a CPI returns for a missing resource.
func NotFound(method, cid string) error {
	return &CallError{Method: method, Target: cid, Err: ErrNotFound}
}

// IsNotFound reports whether err means the resource is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnresponsive reports whether err means the agent could not be reached,
// either because it timed out or because it reported itself unreachable.
func IsUnresponsive(err error) bool {
	return errors.Is(err, ErrUnresponsive) || fleeterr.CodeOf(err) == fleeterr.CodeRPCTimeout
}

func timeoutError(method, agentID string, timeout fmt.Stringer, cause error) error {
	return fleeterr.Wrap(fleeterr.CodeRPCTimeout, fleeterr.KindTransient, cause,
		"Timed out sending '%s' to agent '%s' after %s", method, agentID, timeout)
}

// remoteError classifies an agent failure. Context deadline errors that
// came from the caller's own context are returned unchanged.
func remoteError(method, agentID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var fe *fleeterr.Error
	if errors.As(err, &fe) {
		return err
	}
	return fleeterr.Wrap(fleeterr.CodeRPCRemoteException, fleeterr.KindExternal,
		&CallError{Method: method, Target: agentID, Err: err}, "Agent %s failed '%s': %v", agentID, method, err)
}
