package udev

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	BlockSubsystem = "block"

	DeviceTypeDisk = "disk"
	DeviceTypePart = "partition"

	PropertyDevPath   = "DEVPATH"
	PropertySubsystem = "SUBSYSTEM"
	PropertyDevType   = "DEVTYPE"
	PropertyDevName   = "DEVNAME"

	PropertyDMName = "DM_NAME"
	PropertyDMUUID = "DM_UUID"

	PropertyMDLevel   = "MD_LEVEL"
	PropertyMDUUID    = "MD_UUID"
	PropertyMDDevName = "MD_DEVNAME"
	PropertyMDDevices = "MD_DEVICES"

	PropertyFSType       = "ID_FS_TYPE"
	PropertyFSUUID       = "ID_FS_UUID"
	PropertyFSLabel      = "ID_FS_LABEL"
	PropertyPartTable    = "ID_PART_TABLE_TYPE"
	PropertyPartTableUID = "ID_PART_TABLE_UUID"
	PropertyPartEntryNum = "ID_PART_ENTRY_NUMBER"
	PropertyPartName     = "PARTNAME"
	PropertyModel        = "ID_MODEL"
	PropertyShortSerial  = "ID_SERIAL_SHORT"

	ActionAdd     = "add"
	ActionChange  = "change"
	ActionRemove  = "remove"
	ActionOffline = "offline"
	ActionOnline  = "online"
)

// Id is the kernel name of a block device (sda, sda1, dm-3, md127).
type Id string

// Record is an immutable snapshot of one block device as seen by udev.
type Record struct {
	properties map[string]string
	slaves     []Id
}

// NewRecord builds a record from udev properties and the kernel names of the
// devices it is stacked on. DEVPATH is required.
func NewRecord(properties map[string]string, slaves ...Id) (Record, error) {
	if strings.TrimSpace(properties[PropertyDevPath]) == "" {
		return Record{}, fmt.Errorf("record has no %s property", PropertyDevPath)
	}
	props := make(map[string]string, len(properties))
	for k, v := range properties {
		props[k] = strings.TrimSpace(v)
	}
	if props[PropertySubsystem] == "" {
		props[PropertySubsystem] = BlockSubsystem
	}
	s := make([]Id, len(slaves))
	copy(s, slaves)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return Record{properties: props, slaves: s}, nil
}

// MustRecord is NewRecord for static tables; it panics on error.
func MustRecord(properties map[string]string, slaves ...Id) Record {
	r, err := NewRecord(properties, slaves...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Record) Id() Id {
	return Id(path.Base(r.properties[PropertyDevPath]))
}

func (r Record) SysfsPath() string {
	return "/sys" + r.properties[PropertyDevPath]
}

func (r Record) Subsystem() string {
	return r.properties[PropertySubsystem]
}

func (r Record) DevType() string {
	return r.properties[PropertyDevType]
}

// DevNode is the /dev node of the device, derived from DEVNAME when udev did
// not report an absolute path.
func (r Record) DevNode() string {
	node := r.properties[PropertyDevName]
	if node == "" {
		return path.Join("/dev", string(r.Id()))
	}
	if !strings.HasPrefix(node, "/") {
		return path.Join("/dev", node)
	}
	return node
}

// Name is the symbolic name of the device: the mapping name for
// device-mapper, the array name for md and the kernel name otherwise.
func (r Record) Name() string {
	if name := r.properties[PropertyDMName]; name != "" {
		return name
	}
	if name := r.properties[PropertyMDDevName]; name != "" {
		return path.Base(name)
	}
	return string(r.Id())
}

func (r Record) Property(key string) string {
	return r.properties[key]
}

func (r Record) HasProperty(key string) bool {
	_, ok := r.properties[key]
	return ok
}

func (r Record) Properties() map[string]string {
	res := make(map[string]string, len(r.properties))
	for k, v := range r.properties {
		res[k] = v
	}
	return res
}

// Slaves returns the kernel names of the devices this one is built on.
func (r Record) Slaves() []Id {
	res := make([]Id, len(r.slaves))
	copy(res, r.slaves)
	return res
}

// Dependencies are the devices that must exist before this one: the slaves,
// or the containing disk of a kernel partition.
func (r Record) Dependencies() []Id {
	if len(r.slaves) == 0 && r.DevType() == DeviceTypePart {
		disk := path.Base(path.Dir(r.properties[PropertyDevPath]))
		if disk != "" && disk != "." && disk != "/" {
			return []Id{Id(disk)}
		}
	}
	return r.Slaves()
}

// ExpectedSlaves is the number of members the device declares, or the number
// of present slaves when it declares nothing.
func (r Record) ExpectedSlaves() int {
	if n, err := strconv.Atoi(r.properties[PropertyMDDevices]); err == nil && n > len(r.slaves) {
		return n
	}
	return len(r.slaves)
}

// UUID is the identity of the device itself, preferring device-mapper and md
// identities over the content UUID.
func (r Record) UUID() string {
	for _, key := range []string{PropertyDMUUID, PropertyMDUUID} {
		if v := r.properties[key]; v != "" {
			return NormalizeUUID(v)
		}
	}
	return ""
}

// FormatUUID is the UUID of the content found on the device.
func (r Record) FormatUUID() string {
	if r.properties[PropertyPartTable] != "" && r.DevType() != DeviceTypePart {
		return NormalizeUUID(r.properties[PropertyPartTableUID])
	}
	return NormalizeUUID(r.properties[PropertyFSUUID])
}

func (r Record) IsDM() bool {
	return r.properties[PropertyDMName] != "" || strings.HasPrefix(string(r.Id()), "dm-")
}

func (r Record) IsMD() bool {
	return r.properties[PropertyMDLevel] != "" || r.properties[PropertyMDUUID] != "" || strings.HasPrefix(string(r.Id()), "md")
}

// IsPartition also covers device-mapper partitions (DM_UUID "partN-...").
func (r Record) IsPartition() bool {
	if r.DevType() == DeviceTypePart {
		return true
	}
	return r.IsDM() && strings.HasPrefix(r.properties[PropertyDMUUID], "part")
}

// DMTarget is the owner prefix of DM_UUID ("VDO", "LVM", "CRYPT", "mpath",
// "DMRAID"), empty for plain mappings.
func (r Record) DMTarget() string {
	dmUUID := r.properties[PropertyDMUUID]
	if i := strings.Index(dmUUID, "-"); i > 0 {
		return dmUUID[:i]
	}
	return ""
}

func (r Record) String() string {
	return fmt.Sprintf("Record[ID=%s, Name=%s, DevType=%s, Slaves=%v]", r.Id(), r.Name(), r.DevType(), r.slaves)
}

// Debug dumps the whole record for trace logging.
func (r Record) Debug() string {
	return fmt.Sprintf("Record[ID=%s, SysfsPath=%s, DevNode=%s, Slaves=%v, Properties=%v]",
		r.Id(), r.SysfsPath(), r.DevNode(), r.slaves, r.properties)
}

// NormalizeUUID canonicalizes RFC 4122 UUIDs, also when they carry an owner
// prefix such as "VDO-" or "LVM-" (the prefix is kept, upper-cased). Anything
// else is returned trimmed and unchanged.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}
	if i := strings.Index(s, "-"); i > 0 {
		if u, err := uuid.Parse(s[i+1:]); err == nil {
			return strings.ToUpper(s[:i]) + "-" + u.String()
		}
	}
	return s
}
