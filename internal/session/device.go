package session

import "github.com/abhisek/beacon/internal/store"

// Viewport breakpoints, in CSS pixels.
const (
	TabletMinWidth  = 768
	DesktopMinWidth = 1024
)

// DeviceClass maps a viewport width to a device class. An unknown width
// (zero or negative) counts as desktop.
func DeviceClass(width int) string {
	switch {
	case width <= 0:
		return store.DeviceDesktop
	case width < TabletMinWidth:
		return store.DeviceMobile
	case width < DesktopMinWidth:
		return store.DeviceTablet
	default:
		return store.DeviceDesktop
	}
}
