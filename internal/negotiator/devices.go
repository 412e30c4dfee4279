package negotiator

import (
	"github.com/pion/mediadevices"
)

// Devices lists capture hardware known to the media stack.
type Devices struct {
	Cameras     []mediadevices.MediaDeviceInfo
	Microphones []mediadevices.MediaDeviceInfo
}

// DetectDevices enumerates the registered camera and microphone drivers.
// Drivers register themselves through blank imports in main.
func DetectDevices() Devices {
	var d Devices
	for _, device := range mediadevices.EnumerateDevices() {
		switch device.Kind {
		case mediadevices.VideoInput:
			d.Cameras = append(d.Cameras, device)
		case mediadevices.AudioInput:
			d.Microphones = append(d.Microphones, device)
		}
	}
	return d
}

// VideoAvailable reports whether a call can carry a camera track.
func (d Devices) VideoAvailable() bool {
	return len(d.Cameras) > 0
}
