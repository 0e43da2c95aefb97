//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus     = "org.bluez"
	bluezAdapter = "/org/bluez/hci0"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"
)

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(bluezAdapter + "/dev_" + escaped)
}

// readDeviceRSSI reads the RSSI property of a connected device from BlueZ.
// tinygo/bluetooth rides on BlueZ on Linux but does not surface this
// property, so we go to the system bus directly.
func readDeviceRSSI(id string) (int, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return 0, fmt.Errorf("ble: connect to system bus: %w", err)
	}

	obj := conn.Object(bluezBus, deviceObjectPath(id))
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, deviceIface, "RSSI").Store(&v); err != nil {
		return 0, fmt.Errorf("ble: read RSSI for %s: %w", id, err)
	}
	rssi, ok := v.Value().(int16)
	if !ok {
		return 0, fmt.Errorf("ble: RSSI for %s has type %T, want int16", id, v.Value())
	}
	return int(rssi), nil
}
