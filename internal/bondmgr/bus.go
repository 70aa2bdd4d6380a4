package bondmgr

import (
	"context"
	"regexp"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	bluezService      = "org.bluez"
	bluezPath         = dbus.ObjectPath("/org/bluez")
	rootPath          = dbus.ObjectPath("/")
	adapterName       = "hci0"
	adapterPath       = dbus.ObjectPath("/org/bluez/" + adapterName)
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"
	propsIface        = "org.freedesktop.DBus.Properties"
	objManagerIface   = "org.freedesktop.DBus.ObjectManager"
	introspectIface   = "org.freedesktop.DBus.Introspectable"

	interfacesAddedSignal = objManagerIface + ".InterfacesAdded"

	agentPath       = dbus.ObjectPath("/org/bluez/agent/ble_bond")
	agentCapability = "KeyboardDisplay"

	devicePathPrefix = string(adapterPath) + "/dev_"

	// Error text BlueZ attaches to a Connect that aborted locally right
	// after a scan. The one transient failure worth retrying.
	transientAbortSignature = "le-connection-abort-by-local"
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// CanonicalMAC validates a MAC address and returns it uppercased, the form
// all device object paths are derived from.
func CanonicalMAC(mac string) (string, error) {
	if !macPattern.MatchString(mac) {
		return "", errors.Errorf("invalid MAC address: %q", mac)
	}
	return strings.ToUpper(mac), nil
}

// deviceObjectPath converts a canonical MAC address like "AA:BB:CC:DD:EE:FF"
// to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(mac string) dbus.ObjectPath {
	return dbus.ObjectPath(devicePathPrefix + strings.ReplaceAll(mac, ":", "_"))
}

// busObject is the remote-object handle the components call through. It is
// the narrow slice of dbus.BusObject they need, which keeps test fakes small.
type busObject interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// systemBus is the connection surface the components depend on. *Bus is the
// production implementation; tests substitute a fake.
type systemBus interface {
	// Object returns a handle for the BlueZ object at path.
	Object(path dbus.ObjectPath) busObject
	// Export publishes v at path under iface; a nil v unexports.
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(opts ...dbus.MatchOption) error
	RemoveMatchSignal(opts ...dbus.MatchOption) error
}

// Bus owns the single D-Bus connection for one run. The connection is
// private, not the process-wide shared one, so repeated or concurrent runs
// within one process do not interfere with each other's exports.
type Bus struct {
	conn *dbus.Conn
}

// ConnectBus establishes the system bus connection. Every failure is
// reported as *PermissionError: a refused system bus is overwhelmingly a
// privilege problem, and the orchestrator maps it to the dedicated exit code.
func ConnectBus() (*Bus, error) {
	log.Debug("connecting to D-Bus system bus")
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, &PermissionError{Err: err}
	}
	log.Debug("D-Bus system bus connected")
	return &Bus{conn: conn}, nil
}

func (b *Bus) Object(path dbus.ObjectPath) busObject {
	return b.conn.Object(bluezService, path)
}

func (b *Bus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return b.conn.Export(v, path, iface)
}

func (b *Bus) Signal(ch chan<- *dbus.Signal)       { b.conn.Signal(ch) }
func (b *Bus) RemoveSignal(ch chan<- *dbus.Signal) { b.conn.RemoveSignal(ch) }

func (b *Bus) AddMatchSignal(opts ...dbus.MatchOption) error {
	return b.conn.AddMatchSignal(opts...)
}

func (b *Bus) RemoveMatchSignal(opts ...dbus.MatchOption) error {
	return b.conn.RemoveMatchSignal(opts...)
}

// Close tears the connection down. Idempotent and safe on a Bus whose
// connect never succeeded.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	log.Debug("disconnecting from D-Bus system bus")
	if err := b.conn.Close(); err != nil {
		log.Debugf("bus close: %v", err)
	}
	b.conn = nil
}

// Property helpers over org.freedesktop.DBus.Properties.

func getProp(obj busObject, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, errors.Wrapf(err, "get %s.%s", iface, prop)
}

func getBool(obj busObject, iface, prop string) (bool, error) {
	v, err := getProp(obj, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, errors.Errorf("property %s.%s is not bool", iface, prop)
	}
	return val, nil
}

func setProp(obj busObject, iface, prop string, val interface{}) error {
	call := obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val))
	return errors.Wrapf(call.Err, "set %s.%s", iface, prop)
}
