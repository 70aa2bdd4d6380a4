package bondmgr

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Run executes the full bond lifecycle for one target device and reports the
// outcome as a Result. Every failure is funneled through the four-kind error
// taxonomy and mapped to exactly one Result; the bus connection is torn down
// whichever branch was taken.
func Run(ctx context.Context, opts Options) Result {
	opts, err := opts.withDefaults()
	if err != nil {
		if opts.Reporter == nil {
			opts.Reporter = nopReporter{}
		}
		opts.Reporter.Error(err.Error())
		return ResultPairingFailed
	}

	bus, err := ConnectBus()
	if err != nil {
		return mapError(opts.Reporter, err)
	}
	defer bus.Close()

	res, err := executeFlow(ctx, bus, opts)
	if err != nil {
		return mapError(opts.Reporter, err)
	}
	return res
}

// mapError is the single exception-to-result mapping point. First match
// wins; anything unrecognized is reported as a pairing failure with the
// detail kept at diagnostic level.
func mapError(report Reporter, err error) Result {
	var perm *PermissionError
	var adp *AdapterError
	var disc *DiscoveryError
	var pair *PairingError
	switch {
	case errors.As(err, &perm):
		report.Error(err.Error())
		return ResultPermissionDenied
	case errors.As(err, &adp):
		report.Error(err.Error())
		return ResultAdapterError
	case errors.As(err, &disc), errors.As(err, &pair):
		report.Error(err.Error())
		return ResultPairingFailed
	default:
		report.Error("Unexpected error: " + err.Error())
		log.Debugf("unexpected error: %+v", err)
		return ResultPairingFailed
	}
}

// executeFlow is the nine-step state machine over an established bus
// connection.
func executeFlow(ctx context.Context, bus systemBus, opts Options) (Result, error) {
	adapter := newAdapter(bus, opts.Reporter)
	device := newDevice(bus, opts.MAC, opts.Config, opts.Reporter)

	opts.Reporter.Field("BlueZ", adapter.DaemonVersion())
	opts.Reporter.Field("Adapter", adapter.Describe())
	opts.Reporter.Field("Device", opts.MAC)

	if err := adapter.EnsurePowered(); err != nil {
		return 0, err
	}
	if err := adapter.EnsurePairable(); err != nil {
		return 0, err
	}

	if opts.ForceRepair {
		opts.Reporter.Field("Mode", "force-repair")
		device.RemoveIfExists()
		opts.Reporter.Field("Cleanup", "removed existing bond")
		if err := pairFlow(ctx, bus, device, opts); err != nil {
			return 0, err
		}
		opts.Reporter.Result("Re-paired, ready to connect")
		return ResultOK, nil
	}

	opts.Reporter.Field("Bond", device.BondSummary())

	switch verdict := device.AssessBond(ctx); verdict {
	case BondPairedValid:
		opts.Reporter.Field("Verify", "test connect OK")
		if !opts.CheckOnly {
			device.Trust()
		}
		opts.Reporter.Result("Bond verified, ready to connect")
		return ResultOK, nil

	case BondPairedStale:
		opts.Reporter.Field("Verify", "test connect FAILED, bond is invalid")
		device.Remove()
		opts.Reporter.Field("Cleanup", "removed invalid bond")

	case BondKnownUnpaired:
		// A cached, unpaired object can carry stale metadata that fails a
		// real connect; remove it so discovery does a fresh BLE scan.
		device.Remove()
		opts.Reporter.Verbose("Removed stale device for clean discovery")

	case BondAbsent:
		log.Debugf("device %s not known to BlueZ", opts.MAC)
	}

	if opts.CheckOnly {
		opts.Reporter.Result("No valid bond present")
		return ResultBondInvalid, nil
	}

	if err := pairFlow(ctx, bus, device, opts); err != nil {
		return 0, err
	}
	opts.Reporter.Result("Bond established, ready to connect")
	return ResultOK, nil
}

// pairFlow is the shared tail of every branch that pairs: PIN, discovery,
// pairing, trust, in that order.
func pairFlow(ctx context.Context, bus systemBus, device *Device, opts Options) error {
	if opts.PIN == nil {
		return &PairingError{MAC: opts.MAC, Reason: "no PIN source configured"}
	}
	pin, err := opts.PIN.PIN()
	if err != nil {
		return &PairingError{MAC: opts.MAC, Reason: "PIN unavailable", Err: err}
	}
	if err := validatePIN(pin, opts.Config.PINMaxLength, opts.MAC); err != nil {
		return err
	}

	discovery := newDiscovery(bus, opts.MAC, opts.Config, opts.Reporter)
	if err := discovery.Discover(ctx); err != nil {
		return err
	}

	if err := device.Pair(ctx, NewPairingAgent(pin)); err != nil {
		return err
	}
	device.Trust()
	return nil
}

func validatePIN(pin string, maxLen int, mac string) error {
	if pin == "" {
		return &PairingError{MAC: mac, Reason: "PIN is empty"}
	}
	if len(pin) > maxLen {
		return &PairingError{MAC: mac, Reason: fmt.Sprintf("PIN exceeds %d characters", maxLen)}
	}
	return nil
}
