package populator_test

import (
	"context"

	"github.com/ydb-platform/storage-manager/internal/blockdev"
	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/populator"
	"github.com/ydb-platform/storage-manager/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Event handling", func() {
	var (
		ctx     context.Context
		tree    *devicetree.Tree
		source  *udev.MemorySource
		builder *populator.Builder
	)

	BeforeEach(func() {
		ctx = context.Background()
		tree = devicetree.New()
		source = udev.NewMemorySource(sda(), sda1())
		builder = populator.NewBuilder(
			populator.Env{Tree: tree, Source: source, Native: blockdev.NewFake()},
			populator.DefaultRegistry(),
		)
		_, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should add new disks", func() {
		sdb := plainDisk("sdb", "ID_FS_TYPE", "xfs")
		source.Put(sdb)
		Expect(builder.HandleEvent(ctx, udev.Added{Rec: sdb})).To(Succeed())
		Expect(tree.DeviceByName("sdb")).NotTo(BeNil())
		Expect(tree.DeviceByName("sdb").Format().Type).To(Equal("xfs"))
	})

	It("should wait for the change event of device-mapper devices", func() {
		linear := dm("dm-0", "linear0", "", "sda1")
		source.Put(linear)

		Expect(builder.HandleEvent(ctx, udev.Added{Rec: linear})).To(Succeed())
		Expect(tree.DeviceByName("linear0")).To(BeNil())

		Expect(builder.HandleEvent(ctx, udev.Changed{Rec: linear})).To(Succeed())
		Expect(tree.DeviceByName("linear0")).NotTo(BeNil())
	})

	It("should treat remove events as deactivation", func() {
		part := tree.DeviceByName("sda1")
		Expect(builder.HandleEvent(ctx, udev.Removed{Rec: sda1()})).To(Succeed())
		Expect(tree.DeviceByName("sda1")).To(BeIdenticalTo(part))
		Expect(part.Active()).To(BeFalse())

		Expect(builder.HandleEvent(ctx, udev.Changed{Rec: sda1()})).To(Succeed())
		Expect(tree.DeviceByName("sda1")).To(BeIdenticalTo(part))
		Expect(part.Active()).To(BeTrue())
	})

	It("should drop children of a reformatted device", func() {
		disk := tree.DeviceByName("sda")
		wiped := record("/devices/pci0000:00/ata1/block/sda", nil,
			"DEVTYPE", "disk",
			"ID_FS_TYPE", "xfs",
			"ID_FS_UUID", "9f8e7d6c-5b4a-4392-8170-6f5e4d3c2b1a",
		)
		source.Delete("sda1")
		source.Put(wiped)

		Expect(builder.HandleEvent(ctx, udev.Changed{Rec: wiped})).To(Succeed())
		Expect(tree.DeviceByName("sda1")).To(BeNil())
		Expect(tree.DeviceByName("sda")).To(BeIdenticalTo(disk))
		Expect(disk.Format().Type).To(Equal("xfs"))
	})

	It("should only refresh labels when the content stays", func() {
		relabeled := record("/devices/pci0000:00/ata1/block/sda/sda1", nil,
			"DEVTYPE", "partition",
			"ID_FS_TYPE", "ext4",
			"ID_FS_UUID", ext4UUID,
			"ID_FS_LABEL", "logs",
		)
		format := tree.DeviceByName("sda1").Format()
		Expect(builder.HandleEvent(ctx, udev.Changed{Rec: relabeled})).To(Succeed())
		Expect(tree.DeviceByName("sda1").Format()).To(BeIdenticalTo(format))
		Expect(format.Label).To(Equal("logs"))
	})

	It("should ignore masked events", func() {
		sdb := plainDisk("sdb")
		source.Put(sdb)

		unmask := builder.AddMask(populator.Mask{Device: "sdb"})
		Expect(builder.HandleEvent(ctx, udev.Added{Rec: sdb})).To(Succeed())
		Expect(tree.DeviceByName("sdb")).To(BeNil())

		unmask()
		Expect(builder.HandleEvent(ctx, udev.Added{Rec: sdb})).To(Succeed())
		Expect(tree.DeviceByName("sdb")).NotTo(BeNil())
	})

	It("should mask by action", func() {
		mask := populator.Mask{Action: udev.ActionRemove}
		Expect(mask.Matches(udev.Removed{Rec: sda1()})).To(BeTrue())
		Expect(mask.Matches(udev.Changed{Rec: sda1()})).To(BeFalse())

		builder = populator.NewBuilder(
			populator.Env{Tree: tree, Source: source, Native: blockdev.NewFake()},
			populator.DefaultRegistry(),
			populator.WithMasks(mask),
		)
		Expect(builder.HandleEvent(ctx, udev.Removed{Rec: sda1()})).To(Succeed())
		Expect(tree.DeviceByName("sda1").Active()).To(BeTrue())
	})
})
