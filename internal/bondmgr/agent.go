package bondmgr

import (
	"strconv"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PairingAgent answers the authentication challenges BlueZ issues during one
// pairing attempt. It is a pure responder: it holds only the configured PIN
// and performs no I/O beyond the bus callback replies. BlueZ dispatches into
// it through the org.bluez.Agent1 interface while Device1.Pair is in flight.
type PairingAgent struct {
	pin string
}

func NewPairingAgent(pin string) *PairingAgent {
	return &PairingAgent{pin: pin}
}

// RequestPinCode answers a legacy BR/EDR PIN challenge with the configured
// PIN verbatim.
func (a *PairingAgent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	log.Debugf("agent: PIN code requested for %s", device)
	return a.pin, nil
}

// RequestPasskey answers a BLE SMP passkey challenge with the configured PIN
// parsed as an unsigned number. A non-numeric PIN rejects the request, which
// fails the pairing attempt.
func (a *PairingAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	passkey, err := strconv.ParseUint(a.pin, 10, 32)
	if err != nil {
		log.Warnf("agent: configured PIN is not a numeric passkey, rejecting request for %s", device)
		return 0, &dbus.Error{
			Name: "org.bluez.Error.Rejected",
			Body: []interface{}{"PIN is not a numeric passkey"},
		}
	}
	log.Debugf("agent: passkey requested for %s", device)
	return uint32(passkey), nil
}

func (a *PairingAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	log.Debugf("agent: display passkey %06d for %s (entered: %d)", passkey, device, entered)
	return nil
}

// RequestConfirmation auto-confirms numeric comparison; there is no user to
// ask.
func (a *PairingAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	log.Debugf("agent: auto-confirming passkey %06d for %s", passkey, device)
	return nil
}

func (a *PairingAgent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	log.Debugf("agent: auto-authorizing %s", device)
	return nil
}

func (a *PairingAgent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	log.Debugf("agent: auto-authorizing service %s for %s", uuid, device)
	return nil
}

func (a *PairingAgent) Release() *dbus.Error {
	log.Debug("agent: released")
	return nil
}

func (a *PairingAgent) Cancel() *dbus.Error {
	log.Debug("agent: pairing canceled by daemon")
	return nil
}

var agentIntrospection = introspect.Node{
	Interfaces: []introspect.Interface{
		introspect.IntrospectData,
		{
			Name: agentIface,
			Methods: []introspect.Method{
				{Name: "Release"},
				{Name: "RequestPinCode", Args: []introspect.Arg{
					{Name: "device", Type: "o", Direction: "in"},
					{Name: "pincode", Type: "s", Direction: "out"},
				}},
				{Name: "RequestPasskey", Args: []introspect.Arg{
					{Name: "device", Type: "o", Direction: "in"},
					{Name: "passkey", Type: "u", Direction: "out"},
				}},
				{Name: "DisplayPasskey", Args: []introspect.Arg{
					{Name: "device", Type: "o", Direction: "in"},
					{Name: "passkey", Type: "u", Direction: "in"},
					{Name: "entered", Type: "q", Direction: "in"},
				}},
				{Name: "RequestConfirmation", Args: []introspect.Arg{
					{Name: "device", Type: "o", Direction: "in"},
					{Name: "passkey", Type: "u", Direction: "in"},
				}},
				{Name: "RequestAuthorization", Args: []introspect.Arg{
					{Name: "device", Type: "o", Direction: "in"},
				}},
				{Name: "AuthorizeService", Args: []introspect.Arg{
					{Name: "device", Type: "o", Direction: "in"},
					{Name: "uuid", Type: "s", Direction: "in"},
				}},
				{Name: "Cancel"},
			},
		},
	},
}

// exportAgent publishes the agent object on the bus under Agent1 and
// Introspectable. It does not register it with the agent manager; that is a
// separate raw call owned by the pairing sequence.
func exportAgent(bus systemBus, agent *PairingAgent) error {
	if err := bus.Export(agent, agentPath, agentIface); err != nil {
		return errors.Wrap(err, "export agent")
	}
	if err := bus.Export(introspect.NewIntrospectable(&agentIntrospection), agentPath, introspectIface); err != nil {
		return errors.Wrap(err, "export agent introspection")
	}
	return nil
}

// unexportAgent removes the agent object from the bus. Best-effort; failures
// are logged only.
func unexportAgent(bus systemBus) {
	if err := bus.Export(nil, agentPath, agentIface); err != nil {
		log.Debugf("agent unexport failed: %v", err)
	}
	if err := bus.Export(nil, agentPath, introspectIface); err != nil {
		log.Debugf("agent introspection unexport failed: %v", err)
	}
}
