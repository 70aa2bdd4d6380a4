// Package bondmgr establishes and verifies a BLE security bond with a single
// target peripheral by driving BlueZ over the system D-Bus, so that a
// downstream application can later open an already-trusted GATT connection
// without interactive pairing.
//
// The package owns the whole bond lifecycle: adapter readiness, bond
// verification via a test connect, LE-filtered discovery, the
// connect/pair/disconnect sequence with its BlueZ-specific retry policy, and
// trust assignment. All durable bond state lives in bluetoothd; bondmgr keeps
// none of its own.
//
// Concurrency: a Run is a single logical flow with one D-Bus connection and
// one in-flight operation at a time. Run is safe to invoke repeatedly within
// one process (each run owns a private bus connection), but a single Options
// value must not be shared across concurrent runs targeting the same agent
// object path.
package bondmgr

import (
	"time"
)

// Result is the outcome of a Run, numerically equal to the process exit code
// the CLI reports.
type Result int

const (
	// ResultOK means the bond is established (or verified) and the device is
	// ready for the downstream application to connect.
	ResultOK Result = 0
	// ResultBondInvalid means no valid bond is present. Only produced in
	// check-only mode; the normal flow repairs instead.
	ResultBondInvalid Result = 1
	// ResultPairingFailed covers discovery timeouts, handshake failures,
	// connect failures, and any unrecognized error.
	ResultPairingFailed Result = 2
	// ResultAdapterError means the local adapter is missing or could not be
	// configured.
	ResultAdapterError Result = 3
	// ResultPermissionDenied means the system bus connection was refused.
	// Not retryable without privilege escalation.
	ResultPermissionDenied Result = 4
)

// PINSource supplies the pairing PIN on demand. Implementations may read a
// flag value, prompt a human, or fetch from configuration; the core only
// requires that PIN returns the code as a string.
type PINSource interface {
	PIN() (string, error)
}

// Reporter receives human-oriented progress output. The core calls it at the
// same points the flow reaches; rendering is entirely the implementation's
// concern. A nil Reporter in Options is replaced by a silent one.
type Reporter interface {
	// Field reports a labeled status line, e.g. ("Bond", "found (paired + trusted)").
	Field(label, value string)
	// Result reports the final outcome line of a successful flow.
	Result(message string)
	// Error reports a failure before Run returns a non-OK Result.
	Error(message string)
	// Verbose reports diagnostic detail that is only interesting when the
	// user asked for it.
	Verbose(message string)
}

// Config holds the tunable operational parameters. These are empirically
// tuned against bluetoothd and deliberately configuration, not derived
// behavior. Zero fields are replaced by the DefaultConfig values.
type Config struct {
	// DiscoveryTimeout bounds the wait for the target device to appear
	// during an LE scan.
	DiscoveryTimeout time.Duration
	// ConnectTimeout bounds each individual Connect call.
	ConnectTimeout time.Duration
	// ConnectAttempts is the ceiling on Connect retries when BlueZ reports
	// the transient local-abort failure.
	ConnectAttempts int
	// ConnectRetryDelay is the base delay between Connect attempts; attempt
	// n waits n times this value.
	ConnectRetryDelay time.Duration
	// SettleDelay is slept after stopping discovery, before any Connect.
	// Connecting straight after a scan is a known source of spurious
	// link-layer aborts.
	SettleDelay time.Duration
	// PINMaxLength is the ceiling on accepted PIN length.
	PINMaxLength int
}

// DefaultConfig returns the fixed operational parameters used in production.
func DefaultConfig() Config {
	return Config{
		DiscoveryTimeout:  30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ConnectAttempts:   5,
		ConnectRetryDelay: 1 * time.Second,
		SettleDelay:       2 * time.Second,
		PINMaxLength:      16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = def.ConnectAttempts
	}
	if c.ConnectRetryDelay == 0 {
		c.ConnectRetryDelay = def.ConnectRetryDelay
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.PINMaxLength == 0 {
		c.PINMaxLength = def.PINMaxLength
	}
	return c
}

// Options configures a single Run.
//
// CheckOnly and ForceRepair are mutually exclusive; callers are expected to
// validate the combination at the process boundary.
type Options struct {
	// MAC is the target device address, e.g. "AA:BB:CC:DD:EE:FF". It is
	// canonicalized to uppercase before use.
	MAC string
	// PIN supplies the pairing code when the flow reaches the pairing step.
	// Required unless CheckOnly is set and no repair can occur.
	PIN PINSource
	// CheckOnly reports bond validity without pairing.
	CheckOnly bool
	// ForceRepair removes any existing bond unconditionally and pairs fresh.
	ForceRepair bool
	// Reporter receives progress output; nil means silent.
	Reporter Reporter
	// Config overrides the operational parameters; zero fields keep their
	// defaults.
	Config Config
}

func (o Options) withDefaults() (Options, error) {
	mac, err := CanonicalMAC(o.MAC)
	if err != nil {
		return o, err
	}
	o.MAC = mac
	if o.Reporter == nil {
		o.Reporter = nopReporter{}
	}
	o.Config = o.Config.withDefaults()
	return o, nil
}

type nopReporter struct{}

func (nopReporter) Field(string, string) {}
func (nopReporter) Result(string)        {}
func (nopReporter) Error(string)         {}
func (nopReporter) Verbose(string)       {}
