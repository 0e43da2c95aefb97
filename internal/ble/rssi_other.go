//go:build !linux

package ble

import "errors"

// readDeviceRSSI is Linux-only (BlueZ). Other platforms get no live RSSI
// for a connected device; callers fall back to the last scan sighting.
func readDeviceRSSI(id string) (int, error) {
	return 0, errors.New("ble: connected-device RSSI not supported on this platform")
}
