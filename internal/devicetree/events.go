package devicetree

type EventType int

const (
	DeviceAdded EventType = iota
	DeviceRemoved
	FormatAdded
	FormatRemoved
	ActionAdded
	ActionRemoved
	ActionExecuted
)

func (t EventType) String() string {
	switch t {
	case DeviceAdded:
		return "device-added"
	case DeviceRemoved:
		return "device-removed"
	case FormatAdded:
		return "format-added"
	case FormatRemoved:
		return "format-removed"
	case ActionAdded:
		return "action-added"
	case ActionRemoved:
		return "action-removed"
	case ActionExecuted:
		return "action-executed"
	}
	return "unknown"
}

// Event describes one mutation of the tree. Exactly one of Device, Format
// and Action is set, according to Type.
type Event struct {
	Type   EventType
	Device *Device
	Format *Format
	Action *Action
}
