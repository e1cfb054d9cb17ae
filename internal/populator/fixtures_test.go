package populator_test

import (
	"github.com/ydb-platform/storage-manager/internal/udev"
)

const (
	vdoUUID   = "VDO-5a3e2b1c-0d4f-4e6a-8b7c-9d0e1f2a3b4c"
	ext4UUID  = "0b6a1a43-7f0d-4c55-9a0e-5b1f3b8c2d11"
	labelUUID = "7c1e2d3f-4a5b-4c6d-8e7f-901a2b3c4d5e"
)

func record(devpath string, slaves []udev.Id, kv ...string) udev.Record {
	props := map[string]string{"DEVPATH": devpath}
	for i := 0; i+1 < len(kv); i += 2 {
		props[kv[i]] = kv[i+1]
	}
	return udev.MustRecord(props, slaves...)
}

func sda() udev.Record {
	return record("/devices/pci0000:00/ata1/block/sda", nil,
		"DEVTYPE", "disk",
		"ID_PART_TABLE_TYPE", "gpt",
		"ID_PART_TABLE_UUID", labelUUID,
	)
}

func sda1() udev.Record {
	return record("/devices/pci0000:00/ata1/block/sda/sda1", nil,
		"DEVTYPE", "partition",
		"ID_PART_ENTRY_NUMBER", "1",
		"ID_FS_TYPE", "ext4",
		"ID_FS_UUID", ext4UUID,
		"ID_FS_LABEL", "data",
	)
}

func plainDisk(name string, kv ...string) udev.Record {
	return record("/devices/pci0000:00/ata2/block/"+name, nil, append([]string{"DEVTYPE", "disk"}, kv...)...)
}

func sdbVDO() udev.Record {
	return plainDisk("sdb", "ID_FS_TYPE", "vdo", "ID_FS_UUID", "1f2e3d4c-5b6a-4978-8695-a4b3c2d1e0f9")
}

func dm(id, name, uuid string, slaves ...udev.Id) udev.Record {
	return record("/devices/virtual/block/"+id, slaves,
		"DEVTYPE", "disk",
		"DM_NAME", name,
		"DM_UUID", uuid,
	)
}
