package udev_test

import (
	"github.com/ydb-platform/storage-manager/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Record", func() {
	It("should require DEVPATH", func() {
		_, err := udev.NewRecord(map[string]string{"DEVNAME": "/dev/sda"})
		Expect(err).To(HaveOccurred())
	})

	It("should derive identifiers of a plain disk", func() {
		rec := udev.MustRecord(map[string]string{
			"DEVPATH":            "/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda",
			"DEVTYPE":            "disk",
			"DEVNAME":            "/dev/sda",
			"ID_PART_TABLE_TYPE": "gpt",
			"ID_PART_TABLE_UUID": "0D4C2F7E-8E0A-4B4B-9F0B-9F0C2E1A8D11",
		})
		Expect(rec.Id()).To(Equal(udev.Id("sda")))
		Expect(rec.Name()).To(Equal("sda"))
		Expect(rec.Subsystem()).To(Equal(udev.BlockSubsystem))
		Expect(rec.SysfsPath()).To(HavePrefix("/sys/devices/"))
		Expect(rec.DevNode()).To(Equal("/dev/sda"))
		Expect(rec.IsDM()).To(BeFalse())
		Expect(rec.IsPartition()).To(BeFalse())
		Expect(rec.UUID()).To(BeEmpty())
		Expect(rec.FormatUUID()).To(Equal("0d4c2f7e-8e0a-4b4b-9f0b-9f0c2e1a8d11"))
	})

	It("should name device-mapper devices by their mapping", func() {
		rec := udev.MustRecord(map[string]string{
			"DEVPATH": "/devices/virtual/block/dm-3",
			"DEVTYPE": "disk",
			"DM_NAME": "vdo0",
			"DM_UUID": "VDO-5A3E2B1C-0D4F-4E6A-8B7C-9D0E1F2A3B4C",
		}, "sdb", "sda")
		Expect(rec.IsDM()).To(BeTrue())
		Expect(rec.Name()).To(Equal("vdo0"))
		Expect(rec.DMTarget()).To(Equal("VDO"))
		Expect(rec.UUID()).To(Equal("VDO-5a3e2b1c-0d4f-4e6a-8b7c-9d0e1f2a3b4c"))
		Expect(rec.Slaves()).To(Equal([]udev.Id{"sda", "sdb"}))
	})

	It("should recognize device-mapper partitions", func() {
		rec := udev.MustRecord(map[string]string{
			"DEVPATH": "/devices/virtual/block/dm-5",
			"DM_NAME": "mpatha1",
			"DM_UUID": "part1-mpath-3600508b400105e210000900000490000",
		}, "dm-4")
		Expect(rec.IsPartition()).To(BeTrue())
		Expect(rec.DMTarget()).To(Equal("part1"))
	})

	It("should report declared members of md arrays", func() {
		rec := udev.MustRecord(map[string]string{
			"DEVPATH":    "/devices/virtual/block/md127",
			"MD_LEVEL":   "raid1",
			"MD_DEVICES": "2",
			"MD_DEVNAME": "/dev/md/data",
			"MD_UUID":    "3b1e5c0a:2f1d8e44:9a0b7c6d:5e4f3a2b",
		}, "sda1")
		Expect(rec.IsMD()).To(BeTrue())
		Expect(rec.Name()).To(Equal("data"))
		Expect(rec.ExpectedSlaves()).To(Equal(2))
		Expect(rec.UUID()).To(Equal("3b1e5c0a:2f1d8e44:9a0b7c6d:5e4f3a2b"))
	})

	It("should not be affected by mutation of returned copies", func() {
		rec := udev.MustRecord(map[string]string{"DEVPATH": "/devices/virtual/block/dm-0"}, "sda")
		rec.Properties()["DM_NAME"] = "changed"
		rec.Slaves()[0] = "sdz"
		Expect(rec.HasProperty("DM_NAME")).To(BeFalse())
		Expect(rec.Slaves()).To(Equal([]udev.Id{"sda"}))
	})
})

var _ = Describe("NormalizeUUID", func() {
	DescribeTable("normalization",
		func(in, out string) {
			Expect(udev.NormalizeUUID(in)).To(Equal(out))
		},
		Entry("empty", "", ""),
		Entry("canonical", "5A3E2B1C-0D4F-4E6A-8B7C-9D0E1F2A3B4C", "5a3e2b1c-0d4f-4e6a-8b7c-9d0e1f2a3b4c"),
		Entry("compact", "5a3e2b1c0d4f4e6a8b7c9d0e1f2a3b4c", "5a3e2b1c-0d4f-4e6a-8b7c-9d0e1f2a3b4c"),
		Entry("prefixed", "vdo-5A3E2B1C-0D4F-4E6A-8B7C-9D0E1F2A3B4C", "VDO-5a3e2b1c-0d4f-4e6a-8b7c-9d0e1f2a3b4c"),
		Entry("vfat serial", " 1234-ABCD ", "1234-ABCD"),
	)
})

var _ = Describe("MemorySource", func() {
	It("should list records in sysfs path order", func() {
		src := udev.NewMemorySource(
			udev.MustRecord(map[string]string{"DEVPATH": "/devices/virtual/block/dm-0"}),
			udev.MustRecord(map[string]string{"DEVPATH": "/devices/pci0000:00/block/sda"}),
		)
		records := src.Records()
		Expect(records).To(HaveLen(2))
		Expect(records[0].Id()).To(Equal(udev.Id("sda")))

		src.Delete("sda")
		_, ok := src.Record("sda")
		Expect(ok).To(BeFalse())
		Expect(src.Records()).To(HaveLen(1))
	})
})

var _ = Describe("Record dependencies", func() {
	It("should depend on the containing disk for kernel partitions", func() {
		rec := udev.MustRecord(map[string]string{
			"DEVPATH": "/devices/pci0000:00/block/sda/sda1",
			"DEVTYPE": "partition",
		})
		Expect(rec.Dependencies()).To(Equal([]udev.Id{"sda"}))
	})

	It("should depend on slaves otherwise", func() {
		rec := udev.MustRecord(map[string]string{"DEVPATH": "/devices/virtual/block/dm-0"}, "sdb", "sda")
		Expect(rec.Dependencies()).To(Equal([]udev.Id{"sda", "sdb"}))
		Expect(udev.MustRecord(map[string]string{"DEVPATH": "/devices/pci0000:00/block/sda"}).Dependencies()).To(BeEmpty())
	})
})
