package bondmgr

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	expect "github.com/google/goexpect"
	log "github.com/sirupsen/logrus"
)

const versionProbeTimeout = 3 * time.Second

var bluezVersionPattern = regexp.MustCompile(`(\d+\.\d+)`)

// Adapter controls the local Bluetooth controller at the fixed hci0 path.
// The readiness operations are idempotent: a flag that is already set is
// left untouched, with no redundant write issued.
type Adapter struct {
	bus    systemBus
	report Reporter
}

func newAdapter(bus systemBus, report Reporter) *Adapter {
	return &Adapter{bus: bus, report: report}
}

func (a *Adapter) obj() busObject {
	return a.bus.Object(adapterPath)
}

// EnsurePowered powers the adapter on if it is not already.
func (a *Adapter) EnsurePowered() error {
	powered, err := getBool(a.obj(), adapterIface, "Powered")
	if err != nil {
		return &AdapterError{Op: "query Powered", Err: err}
	}
	if powered {
		a.report.Verbose("Adapter already powered")
		return nil
	}
	a.report.Verbose("Powering on adapter")
	if err := setProp(a.obj(), adapterIface, "Powered", true); err != nil {
		return &AdapterError{Op: "power on", Err: err}
	}
	log.Info("adapter powered on")
	return nil
}

// EnsurePairable puts the adapter in pairable mode if it is not already.
func (a *Adapter) EnsurePairable() error {
	pairable, err := getBool(a.obj(), adapterIface, "Pairable")
	if err != nil {
		return &AdapterError{Op: "query Pairable", Err: err}
	}
	if pairable {
		a.report.Verbose("Adapter already pairable")
		return nil
	}
	a.report.Verbose("Enabling pairable mode")
	if err := setProp(a.obj(), adapterIface, "Pairable", true); err != nil {
		return &AdapterError{Op: "enable pairable", Err: err}
	}
	log.Info("adapter set to pairable")
	return nil
}

// Describe returns a diagnostics summary like "hci0 (powered, pairable)".
// It never fails: a query error degrades to "hci0 (unknown)".
func (a *Adapter) Describe() string {
	powered, err := getBool(a.obj(), adapterIface, "Powered")
	if err != nil {
		return adapterName + " (unknown)"
	}
	pairable, err := getBool(a.obj(), adapterIface, "Pairable")
	if err != nil {
		return adapterName + " (unknown)"
	}
	var flags []string
	if powered {
		flags = append(flags, "powered")
	}
	if pairable {
		flags = append(flags, "pairable")
	}
	if len(flags) == 0 {
		return adapterName + " (inactive)"
	}
	return fmt.Sprintf("%s (%s)", adapterName, strings.Join(flags, ", "))
}

// DaemonVersion probes the installed BlueZ version through bluetoothctl.
// Best-effort and informational only; any failure yields "unknown".
func (a *Adapter) DaemonVersion() string {
	ge, _, err := expect.Spawn("bluetoothctl --version", versionProbeTimeout)
	if err != nil {
		log.Debugf("bluetoothctl spawn failed: %v", err)
		return "unknown"
	}
	defer ge.Close()
	_, match, err := ge.Expect(bluezVersionPattern, versionProbeTimeout)
	if err != nil || len(match) < 2 {
		log.Debugf("bluetoothctl version parse failed: %v", err)
		return "unknown"
	}
	return match[1]
}
