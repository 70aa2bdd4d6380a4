package bondmgr

import (
	"fmt"
	"time"
)

// PermissionError reports that the system bus connection was refused. The
// orchestrator maps it to ResultPermissionDenied; it is the one failure kind
// that is not retryable without privilege escalation.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("cannot connect to D-Bus system bus: %v (are you running as root or in the bluetooth group?)", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// AdapterError reports that the local adapter is missing or rejected a
// configuration change. Maps to ResultAdapterError.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %s: %v (is Bluetooth enabled?)", adapterName, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// DiscoveryError reports that the target device never appeared within the
// discovery timeout. The run aborts, but retrying the whole run later is
// safe. Maps to ResultPairingFailed.
type DiscoveryError struct {
	MAC     string
	Timeout time.Duration
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("device %s not found within %s (is the device powered on and advertising?)", e.MAC, e.Timeout)
}

// PairingError reports a failed connect or security handshake, including
// retry exhaustion. Maps to ResultPairingFailed.
type PairingError struct {
	MAC    string
	Reason string
	Err    error
}

func (e *PairingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pairing failed for %s: %s: %v", e.MAC, e.Reason, e.Err)
	}
	return fmt.Sprintf("pairing failed for %s: %s", e.MAC, e.Reason)
}

func (e *PairingError) Unwrap() error { return e.Err }
