package call

// AudioDevice is an output route.
type AudioDevice int

const (
	DeviceNone AudioDevice = iota
	DeviceSpeakerPhone
	DeviceWiredHeadset
	DeviceEarpiece
	DeviceBluetooth
)

func (d AudioDevice) String() string {
	switch d {
	case DeviceSpeakerPhone:
		return "speaker_phone"
	case DeviceWiredHeadset:
		return "wired_headset"
	case DeviceEarpiece:
		return "earpiece"
	case DeviceBluetooth:
		return "bluetooth"
	default:
		return "none"
	}
}

// ParseAudioDevice is the inverse of String.
func ParseAudioDevice(s string) (AudioDevice, bool) {
	for _, d := range []AudioDevice{DeviceNone, DeviceSpeakerPhone, DeviceWiredHeadset, DeviceEarpiece, DeviceBluetooth} {
		if d.String() == s {
			return d, true
		}
	}
	return DeviceNone, false
}

// AudioCommand is sent to the audio collaborator. Match on the concrete
// type.
type AudioCommand interface {
	audioCommand()
}

type AudioInitialize struct{}

type AudioStart struct{}

type AudioStop struct{ PlayDisconnect bool }

type AudioStartIncomingRinger struct{ Vibrate bool }

type AudioStartOutgoingRinger struct{}

type AudioSetUserDevice struct{ Device AudioDevice }

type AudioSetDefaultDevice struct {
	Device                     AudioDevice
	ClearUserEarpieceSelection bool
}

type AudioSilenceIncomingRinger struct{}

func (AudioInitialize) audioCommand()            {}
func (AudioStart) audioCommand()                 {}
func (AudioStop) audioCommand()                  {}
func (AudioStartIncomingRinger) audioCommand()   {}
func (AudioStartOutgoingRinger) audioCommand()   {}
func (AudioSetUserDevice) audioCommand()         {}
func (AudioSetDefaultDevice) audioCommand()      {}
func (AudioSilenceIncomingRinger) audioCommand() {}

// AudioController plays ringers and routes call audio.
type AudioController interface {
	HandleCommand(cmd AudioCommand)
}

// CellularState reports a call on another line, which makes us busy.
type CellularState interface {
	InCall() bool
}

type noAudio struct{}

func (noAudio) HandleCommand(AudioCommand) {}

type noCellular struct{}

func (noCellular) InCall() bool { return false }
