// Package ble implements the companion radio link over BlueZ's D-Bus API
// using the Nordic UART service.
package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName        = "org.bluez"
	bluezDevice         = "org.bluez.Device1"
	bluezGattService    = "org.bluez.GattService1"
	bluezGattChar       = "org.bluez.GattCharacteristic1"
	objectManagerGetAll = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	propertiesIface     = "org.freedesktop.DBus.Properties"
	propertiesChanged   = propertiesIface + ".PropertiesChanged"

	// Nordic UART service and characteristics exposed by MeshCore companion firmware.
	nusServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	nusRxCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E" // write
	nusTxCharUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E" // notify

	defaultAdapter = "/org/bluez/hci0"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Device is a BlueZ-known peripheral.
type Device struct {
	Path    dbus.ObjectPath
	Address string
	Name    string
	Paired  bool
	Trusted bool
}

// devicePath maps "AA:BB:CC:DD:EE:FF" to /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

func managed(conn *dbus.Conn) (managedObjects, error) {
	objects := make(managedObjects)
	if err := conn.Object(bluezBusName, "/").Call(objectManagerGetAll, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	d := Device{Path: path}
	if v, ok := props["Address"].Value().(string); ok {
		d.Address = v
	}
	if v, ok := props["Alias"].Value().(string); ok {
		d.Name = v
	} else if v, ok := props["Name"].Value().(string); ok {
		d.Name = v
	}
	d.Paired, _ = props["Paired"].Value().(bool)
	d.Trusted, _ = props["Trusted"].Value().(bool)
	return d
}

// pairedDevices lists paired devices advertising the Nordic UART service.
func pairedDevices(objects managedObjects) []Device {
	var out []Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice]
		if !ok {
			continue
		}
		d := deviceFromProps(path, props)
		if !d.Paired || !advertisesNUS(props) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func advertisesNUS(props map[string]dbus.Variant) bool {
	uuids, _ := props["UUIDs"].Value().([]string)
	for _, u := range uuids {
		if strings.EqualFold(u, nusServiceUUID) {
			return true
		}
	}
	// UUIDs is empty until services resolve once; accept paired devices
	// that have not been resolved yet.
	return len(uuids) == 0
}

type characteristics struct {
	rx dbus.ObjectPath
	tx dbus.ObjectPath
}

// findCharacteristics locates the NUS RX and TX characteristics under dev.
func findCharacteristics(objects managedObjects, dev dbus.ObjectPath) (characteristics, error) {
	var service dbus.ObjectPath
	prefix := string(dev) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuid, _ := props["UUID"].Value().(string); strings.EqualFold(uuid, nusServiceUUID) {
			service = path
			break
		}
	}
	if service == "" {
		return characteristics{}, fmt.Errorf("nordic uart service not found on %s", dev)
	}

	var c characteristics
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok {
			continue
		}
		if svc, _ := props["Service"].Value().(dbus.ObjectPath); svc != service {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		switch {
		case strings.EqualFold(uuid, nusRxCharUUID):
			c.rx = path
		case strings.EqualFold(uuid, nusTxCharUUID):
			c.tx = path
		}
	}
	if c.rx == "" || c.tx == "" {
		return characteristics{}, fmt.Errorf("nordic uart characteristics incomplete on %s", dev)
	}
	return c, nil
}

func matchRule(path dbus.ObjectPath) string {
	return fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propertiesIface, path)
}
