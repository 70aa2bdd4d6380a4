package bondmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BondVerdict classifies the bond state of the target device. It is derived
// from the live daemon state plus a test-connect probe, never stored.
type BondVerdict int

const (
	// BondAbsent: the daemon has no object for the device.
	BondAbsent BondVerdict = iota
	// BondKnownUnpaired: the device object exists (e.g. cached from an old
	// scan) but carries no pairing.
	BondKnownUnpaired
	// BondPairedValid: a pairing exists and the peripheral accepted a test
	// connect.
	BondPairedValid
	// BondPairedStale: the daemon holds a key the peripheral no longer
	// recognizes, e.g. after a peripheral-side factory reset.
	BondPairedStale
)

func (v BondVerdict) String() string {
	switch v {
	case BondAbsent:
		return "absent"
	case BondKnownUnpaired:
		return "known-unpaired"
	case BondPairedValid:
		return "paired-valid"
	case BondPairedStale:
		return "paired-stale"
	default:
		return fmt.Sprintf("BondVerdict(%d)", int(v))
	}
}

// Device performs all per-device operations against the object path derived
// from the target MAC: existence and pairing checks, bond verification, the
// connect/pair/disconnect sequence, trust assignment, and removal.
type Device struct {
	bus    systemBus
	mac    string
	path   dbus.ObjectPath
	cfg    Config
	report Reporter
	sleep  func(ctx context.Context, d time.Duration) error
}

func newDevice(bus systemBus, mac string, cfg Config, report Reporter) *Device {
	return &Device{
		bus:    bus,
		mac:    mac,
		path:   deviceObjectPath(mac),
		cfg:    cfg,
		report: report,
		sleep:  sleepCtx,
	}
}

func (d *Device) obj() busObject {
	return d.bus.Object(d.path)
}

// Exists reports whether the daemon manages an object for the device that
// exposes the Device1 interface. It reads the ObjectManager table rather
// than introspecting the path, because BlueZ introspection can answer for
// paths that do not exist.
func (d *Device) Exists() bool {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := d.bus.Object(rootPath).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		log.Debugf("GetManagedObjects failed: %v", call.Err)
		return false
	}
	if err := call.Store(&objs); err != nil {
		log.Debugf("GetManagedObjects decode failed: %v", err)
		return false
	}
	ifaces, ok := objs[d.path]
	if !ok {
		return false
	}
	_, ok = ifaces[deviceIface]
	return ok
}

// IsPaired reports the Device1.Paired property, conservatively false on any
// error.
func (d *Device) IsPaired() bool {
	paired, err := getBool(d.obj(), deviceIface, "Paired")
	if err != nil {
		log.Debugf("paired query failed for %s: %v", d.mac, err)
		return false
	}
	return paired
}

// IsTrusted reports the Device1.Trusted property, conservatively false on
// any error.
func (d *Device) IsTrusted() bool {
	trusted, err := getBool(d.obj(), deviceIface, "Trusted")
	if err != nil {
		log.Debugf("trusted query failed for %s: %v", d.mac, err)
		return false
	}
	return trusted
}

// VerifyBond probes the bond with a bounded test connect followed by a
// best-effort disconnect. True iff the connect succeeded. This is the only
// way to catch a daemon-side key the peripheral itself has forgotten. Never
// fails: timeouts, RPC errors, and rejections all report false.
func (d *Device) VerifyBond(ctx context.Context) bool {
	d.report.Verbose("Verifying bond with test connect")
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	if call := d.obj().CallWithContext(cctx, deviceIface+".Connect", 0); call.Err != nil {
		log.Debugf("bond verification failed for %s: %v", d.mac, call.Err)
		return false
	}
	if call := d.obj().Call(deviceIface+".Disconnect", 0); call.Err != nil {
		log.Debugf("disconnect after verify failed: %v", call.Err)
	}
	return true
}

// AssessBond derives the bond verdict from the daemon state and, when a
// pairing is present, a live test-connect probe.
func (d *Device) AssessBond(ctx context.Context) BondVerdict {
	if !d.Exists() {
		return BondAbsent
	}
	if !d.IsPaired() {
		return BondKnownUnpaired
	}
	if d.VerifyBond(ctx) {
		return BondPairedValid
	}
	return BondPairedStale
}

// Pair runs the full security-handshake sequence: export and register the
// agent, connect with the transient-abort retry policy, issue the Pair call
// over the open link, then disconnect so the downstream application can
// reconnect on its own. The agent is unregistered and unexported on every
// exit path.
func (d *Device) Pair(ctx context.Context, agent *PairingAgent) error {
	if err := exportAgent(d.bus, agent); err != nil {
		return &PairingError{MAC: d.mac, Reason: "agent export", Err: err}
	}
	defer func() {
		if call := d.bus.Object(bluezPath).Call(agentManagerIface+".UnregisterAgent", 0, agentPath); call.Err != nil {
			log.Debugf("agent unregister failed (non-critical): %v", call.Err)
		}
		unexportAgent(d.bus)
	}()

	if call := d.bus.Object(bluezPath).Call(agentManagerIface+".RegisterAgent", 0, agentPath, agentCapability); call.Err != nil {
		return &PairingError{MAC: d.mac, Reason: "agent registration", Err: call.Err}
	}
	d.report.Field("Agent", "registered")
	log.Debug("agent registered with BlueZ")

	if err := d.connectWithRetry(ctx); err != nil {
		return err
	}
	d.report.Verbose("Connected, initiating SMP pairing")

	if call := d.obj().CallWithContext(ctx, deviceIface+".Pair", 0); call.Err != nil {
		return &PairingError{MAC: d.mac, Reason: "handshake", Err: call.Err}
	}
	d.report.Field("Pairing", "success")
	log.Infof("pairing successful for %s", d.mac)

	// The downstream application reconnects independently; a failure to
	// disconnect here is not worth failing the run over.
	if call := d.obj().Call(deviceIface+".Disconnect", 0); call.Err != nil {
		log.Debugf("disconnect after pair failed (non-critical): %v", call.Err)
	}
	return nil
}

// connectWithRetry establishes the BLE link. BlueZ sometimes aborts a
// Connect locally right after a scan; only that signature is retried, with a
// linearly growing delay, up to the attempt ceiling. Any other failure
// aborts immediately, and a per-attempt timeout gets its own unreachable
// hint.
func (d *Device) connectWithRetry(ctx context.Context) error {
	d.report.Verbose("Connecting to device (BLE L2CAP)")
	for attempt := 1; attempt <= d.cfg.ConnectAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		call := d.obj().CallWithContext(cctx, deviceIface+".Connect", 0)
		cancel()
		if call.Err == nil {
			return nil
		}
		if errors.Is(call.Err, context.DeadlineExceeded) {
			return &PairingError{
				MAC:    d.mac,
				Reason: fmt.Sprintf("connection timed out after %s, is the device powered on and in range?", d.cfg.ConnectTimeout),
				Err:    call.Err,
			}
		}
		if !strings.Contains(call.Err.Error(), transientAbortSignature) {
			return &PairingError{MAC: d.mac, Reason: "connection failed", Err: call.Err}
		}

		log.Debugf("connect attempt %d/%d: %v (retrying)", attempt, d.cfg.ConnectAttempts, call.Err)
		d.report.Verbose(fmt.Sprintf("Connect retry %d/%d", attempt, d.cfg.ConnectAttempts))

		// BlueZ briefly flips Connected on this error; give it time to
		// settle before the next attempt.
		if err := d.sleep(ctx, time.Duration(attempt)*d.cfg.ConnectRetryDelay); err != nil {
			return &PairingError{MAC: d.mac, Reason: "canceled", Err: err}
		}
	}
	return &PairingError{
		MAC:    d.mac,
		Reason: fmt.Sprintf("connection failed after %d attempts, is the device powered on and in range?", d.cfg.ConnectAttempts),
	}
}

// Trust marks the device trusted so the host auto-accepts its reconnects.
// Idempotent, and non-fatal on failure: pairing success is the operation's
// real goal.
func (d *Device) Trust() {
	if d.IsTrusted() {
		d.report.Verbose("Device already trusted")
		return
	}
	if err := setProp(d.obj(), deviceIface, "Trusted", true); err != nil {
		log.Warnf("failed to set %s trusted: %v", d.mac, err)
		return
	}
	d.report.Field("Trusted", "set")
	log.Infof("device %s set as trusted", d.mac)
}

// Remove deletes the device object, and with it the bond record, from the
// daemon. Failure is logged only; removing an already-absent device is
// harmless.
func (d *Device) Remove() {
	if call := d.bus.Object(adapterPath).Call(adapterIface+".RemoveDevice", 0, d.path); call.Err != nil {
		log.Debugf("RemoveDevice %s failed: %v", d.mac, call.Err)
		return
	}
	d.report.Verbose("Removed device " + d.mac)
	log.Infof("removed device %s", d.mac)
}

// RemoveIfExists guards Remove with an existence check.
func (d *Device) RemoveIfExists() {
	if d.Exists() {
		d.Remove()
	}
}

// BondSummary returns the reporting classification of the current state.
// Not used for control flow.
func (d *Device) BondSummary() string {
	if !d.Exists() {
		return "not found, pairing required"
	}
	paired, trusted := d.IsPaired(), d.IsTrusted()
	switch {
	case paired && trusted:
		return "found (paired + trusted)"
	case paired:
		return "found (paired, not trusted)"
	default:
		return "found (not paired)"
	}
}
