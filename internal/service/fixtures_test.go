package service_test

import (
	"github.com/ydb-platform/storage-manager/internal/udev"
)

func record(devpath string, kv ...string) udev.Record {
	props := map[string]string{"DEVPATH": devpath}
	for i := 0; i+1 < len(kv); i += 2 {
		props[kv[i]] = kv[i+1]
	}
	return udev.MustRecord(props)
}

func sda() udev.Record {
	return record("/devices/pci0000:00/ata1/block/sda",
		"DEVTYPE", "disk",
		"ID_PART_TABLE_TYPE", "gpt",
		"ID_PART_TABLE_UUID", "7c1e2d3f-4a5b-4c6d-8e7f-901a2b3c4d5e",
	)
}

func sda1() udev.Record {
	return record("/devices/pci0000:00/ata1/block/sda/sda1",
		"DEVTYPE", "partition",
		"ID_PART_ENTRY_NUMBER", "1",
		"ID_FS_TYPE", "ext4",
		"ID_FS_UUID", "0b6a1a43-7f0d-4c55-9a0e-5b1f3b8c2d11",
		"ID_FS_LABEL", "data",
	)
}

func sdb() udev.Record {
	return record("/devices/pci0000:00/ata2/block/sdb",
		"DEVTYPE", "disk",
		"ID_FS_TYPE", "xfs",
		"ID_FS_UUID", "9f8e7d6c-5b4a-4392-8170-6f5e4d3c2b1a",
	)
}

// linear is a plain device-mapper mapping stacked on sda1.
func linear() udev.Record {
	return udev.MustRecord(map[string]string{
		"DEVPATH": "/devices/virtual/block/dm-0",
		"DEVTYPE": "disk",
		"DM_NAME": "linear0",
	}, "sda1")
}
