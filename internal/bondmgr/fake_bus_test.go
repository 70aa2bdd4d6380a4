package bondmgr

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
)

// fakeBus implements systemBus for tests. Calls are routed through a
// pluggable handler and recorded in order, so tests can assert both behavior
// and sequencing.
type fakeBus struct {
	handle func(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call

	calls   []busCall
	exports []exportRecord

	signalChans  []chan<- *dbus.Signal
	removedChans []chan<- *dbus.Signal
	matchAdds    int
	matchRemoves int
	addMatchErr  error
}

type busCall struct {
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

type exportRecord struct {
	value interface{}
	path  dbus.ObjectPath
	iface string
}

func (b *fakeBus) Object(path dbus.ObjectPath) busObject {
	return &fakeObject{bus: b, path: path}
}

func (b *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.exports = append(b.exports, exportRecord{value: v, path: path, iface: iface})
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.signalChans = append(b.signalChans, ch)
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.removedChans = append(b.removedChans, ch)
}

func (b *fakeBus) AddMatchSignal(opts ...dbus.MatchOption) error {
	b.matchAdds++
	return b.addMatchErr
}

func (b *fakeBus) RemoveMatchSignal(opts ...dbus.MatchOption) error {
	b.matchRemoves++
	return nil
}

func (b *fakeBus) emit(sig *dbus.Signal) {
	for _, ch := range b.signalChans {
		ch <- sig
	}
}

func (b *fakeBus) countCalls(method string) int {
	n := 0
	for _, c := range b.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (b *fakeBus) callIndex(method string) int {
	for i, c := range b.calls {
		if c.Method == method {
			return i
		}
	}
	return -1
}

// unexportCount reports how many nil Exports (unexports) were recorded.
func (b *fakeBus) unexportCount() int {
	n := 0
	for _, e := range b.exports {
		if e.value == nil {
			n++
		}
	}
	return n
}

type fakeObject struct {
	bus  *fakeBus
	path dbus.ObjectPath
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.bus.calls = append(o.bus.calls, busCall{Path: o.path, Method: method, Args: args})
	if o.bus.handle != nil {
		if c := o.bus.handle(o.path, method, args...); c != nil {
			return c
		}
	}
	return okCall()
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.Call(method, flags, args...)
}

func okCall() *dbus.Call { return &dbus.Call{} }

func errCall(err error) *dbus.Call { return &dbus.Call{Err: err} }

func bodyCall(vals ...interface{}) *dbus.Call { return &dbus.Call{Body: vals} }

func variantCall(v interface{}) *dbus.Call { return bodyCall(dbus.MakeVariant(v)) }

func transientAbortError() error {
	return dbus.Error{
		Name: "org.bluez.Error.Failed",
		Body: []interface{}{"Software caused connection abort: le-connection-abort-by-local"},
	}
}

func bluezError(text string) error {
	return dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{text}}
}

// fakeDaemon models just enough of bluetoothd's D-Bus surface for the flow
// and component tests: one adapter, one optional device, an agent manager,
// and discovery that can announce the target.
type fakeDaemon struct {
	bus     *fakeBus
	devPath dbus.ObjectPath

	devicePresent   bool
	paired          bool
	trusted         bool
	adapterPowered  bool
	adapterPairable bool

	// advertise makes StartDiscovery announce the target device.
	advertise bool

	// connectErrs holds the outcomes of successive Connect calls; nil means
	// success, and a drained slice means success from then on.
	connectErrs []error
	pairErr     error
	registerErr error

	registerAgentCalls   int
	unregisterAgentCalls int
	removeDeviceCalls    int
	managedObjectsErr    error
}

func newFakeDaemon(mac string) *fakeDaemon {
	f := &fakeDaemon{
		devPath:         deviceObjectPath(mac),
		adapterPowered:  true,
		adapterPairable: true,
	}
	f.bus = &fakeBus{handle: f.handle}
	return f
}

func (f *fakeDaemon) handle(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	switch method {
	case objManagerIface + ".GetManagedObjects":
		if f.managedObjectsErr != nil {
			return errCall(f.managedObjectsErr)
		}
		objs := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
			adapterPath: {adapterIface: {}},
		}
		if f.devicePresent {
			objs[f.devPath] = map[string]map[string]dbus.Variant{deviceIface: {}}
		}
		return bodyCall(objs)

	case propsIface + ".Get":
		iface, _ := args[0].(string)
		prop, _ := args[1].(string)
		switch {
		case iface == adapterIface && prop == "Powered":
			return variantCall(f.adapterPowered)
		case iface == adapterIface && prop == "Pairable":
			return variantCall(f.adapterPairable)
		case iface == deviceIface && prop == "Paired":
			if !f.devicePresent {
				return errCall(dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"})
			}
			return variantCall(f.paired)
		case iface == deviceIface && prop == "Trusted":
			if !f.devicePresent {
				return errCall(dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"})
			}
			return variantCall(f.trusted)
		}
		return errCall(dbus.Error{Name: "org.freedesktop.DBus.Error.InvalidArgs"})

	case propsIface + ".Set":
		iface, _ := args[0].(string)
		prop, _ := args[1].(string)
		val, _ := args[2].(dbus.Variant).Value().(bool)
		switch {
		case iface == adapterIface && prop == "Powered":
			f.adapterPowered = val
		case iface == adapterIface && prop == "Pairable":
			f.adapterPairable = val
		case iface == deviceIface && prop == "Trusted":
			f.trusted = val
		}
		return okCall()

	case adapterIface + ".SetDiscoveryFilter", adapterIface + ".StopDiscovery":
		return okCall()

	case adapterIface + ".StartDiscovery":
		if f.advertise {
			f.devicePresent = true
			f.bus.emit(&dbus.Signal{
				Name: interfacesAddedSignal,
				Path: rootPath,
				Body: []interface{}{f.devPath, map[string]map[string]dbus.Variant{deviceIface: {}}},
			})
		}
		return okCall()

	case adapterIface + ".RemoveDevice":
		f.removeDeviceCalls++
		f.devicePresent = false
		f.paired = false
		f.trusted = false
		return okCall()

	case deviceIface + ".Connect":
		if len(f.connectErrs) > 0 {
			err := f.connectErrs[0]
			f.connectErrs = f.connectErrs[1:]
			if err != nil {
				return errCall(err)
			}
		}
		return okCall()

	case deviceIface + ".Disconnect":
		return okCall()

	case deviceIface + ".Pair":
		if f.pairErr != nil {
			return errCall(f.pairErr)
		}
		f.paired = true
		return okCall()

	case agentManagerIface + ".RegisterAgent":
		f.registerAgentCalls++
		if f.registerErr != nil {
			return errCall(f.registerErr)
		}
		return okCall()

	case agentManagerIface + ".UnregisterAgent":
		f.unregisterAgentCalls++
		return okCall()
	}
	return okCall()
}

func testConfig() Config {
	return Config{
		DiscoveryTimeout:  200 * time.Millisecond,
		ConnectTimeout:    100 * time.Millisecond,
		ConnectAttempts:   5,
		ConnectRetryDelay: time.Millisecond,
		SettleDelay:       time.Millisecond,
		PINMaxLength:      16,
	}
}

// pinFunc is a PINSource returning itself.
type pinFunc string

func (p pinFunc) PIN() (string, error) { return string(p), nil }

const testMAC = "AA:BB:CC:DD:EE:FF"
