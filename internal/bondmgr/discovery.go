package bondmgr

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Discovery acquires the target device through an LE-filtered scan, blocking
// until BlueZ announces the device object or the timeout elapses. Each
// Discover call owns one scan and one signal subscription, and both are
// released on every exit path, followed by the settle delay.
type Discovery struct {
	bus    systemBus
	mac    string
	path   dbus.ObjectPath
	cfg    Config
	report Reporter
	sleep  func(ctx context.Context, d time.Duration) error
}

func newDiscovery(bus systemBus, mac string, cfg Config, report Reporter) *Discovery {
	return &Discovery{
		bus:    bus,
		mac:    mac,
		path:   deviceObjectPath(mac),
		cfg:    cfg,
		report: report,
		sleep:  sleepCtx,
	}
}

// Discover starts adapter discovery and waits for the target device path to
// appear in an InterfacesAdded notification. Returns *DiscoveryError when
// the timeout elapses first.
func (d *Discovery) Discover(ctx context.Context) error {
	adapter := d.bus.Object(adapterPath)

	sigCh := make(chan *dbus.Signal, 16)
	d.bus.Signal(sigCh)
	defer d.bus.RemoveSignal(sigCh)

	matchOpts := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := d.bus.AddMatchSignal(matchOpts...); err != nil {
		return errors.Wrap(err, "subscribe to InterfacesAdded")
	}
	defer func() {
		if err := d.bus.RemoveMatchSignal(matchOpts...); err != nil {
			log.Debugf("remove InterfacesAdded match: %v", err)
		}
	}()

	// LE-only transport filter, so a dual-mode peripheral cannot trigger a
	// classic Bluetooth pairing path.
	d.report.Verbose("Setting BLE transport filter")
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if call := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		log.Warnf("SetDiscoveryFilter failed: %v", call.Err)
	}

	d.report.Verbose("Starting discovery for " + d.mac)
	if call := adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return errors.Wrap(call.Err, "StartDiscovery")
	}
	defer func() {
		if call := adapter.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
			log.Debugf("StopDiscovery failed (may already be stopped): %v", call.Err)
		}
		// Let bluetoothd release its scan state before any Connect is
		// issued; an immediate Connect tends to abort at the link layer.
		_ = d.sleep(ctx, d.cfg.SettleDelay)
	}()

	timeout := time.NewTimer(d.cfg.DiscoveryTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "discovery canceled")
		case <-timeout.C:
			return &DiscoveryError{MAC: d.mac, Timeout: d.cfg.DiscoveryTimeout}
		case sig := <-sigCh:
			if sig == nil || sig.Name != interfacesAddedSignal || len(sig.Body) < 1 {
				continue
			}
			path, ok := sig.Body[0].(dbus.ObjectPath)
			if !ok || path != d.path {
				continue
			}
			log.Debugf("device appeared: %s", path)
			d.report.Verbose("Device found: " + string(path))
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
