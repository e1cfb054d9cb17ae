package populator_test

import (
	"context"
	"errors"

	"github.com/ydb-platform/storage-manager/internal/blockdev"
	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/populator"
	"github.com/ydb-platform/storage-manager/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func names(devs []*devicetree.Device) []string {
	res := make([]string, 0, len(devs))
	for _, d := range devs {
		res = append(res, d.Name)
	}
	return res
}

func ids(devs []*devicetree.Device) map[string]devicetree.ID {
	res := make(map[string]devicetree.ID, len(devs))
	for _, d := range devs {
		res[d.Name] = d.ID()
	}
	return res
}

var _ = Describe("Builder", func() {
	var (
		ctx     context.Context
		tree    *devicetree.Tree
		source  *udev.MemorySource
		native  *blockdev.Fake
		builder *populator.Builder
		added   int
	)

	BeforeEach(func() {
		ctx = context.Background()
		tree = devicetree.New()
		source = udev.NewMemorySource()
		native = blockdev.NewFake()
		builder = populator.NewBuilder(populator.Env{Tree: tree, Source: source, Native: native}, populator.DefaultRegistry())
		added = 0
		tree.Observe(func(ev devicetree.Event) error {
			if ev.Type == devicetree.DeviceAdded {
				added++
			}
			return nil
		})
	})

	It("should build disks, partitions and formats", func() {
		source.Put(sda())
		source.Put(sda1())

		stats, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Created).To(Equal(2))
		Expect(names(tree.Devices())).To(Equal([]string{"sda", "sda1"}))

		disk := tree.DeviceByName("sda")
		Expect(disk.Kind).To(Equal(devicetree.KindDisk))
		Expect(disk.Format().Type).To(Equal("disklabel"))
		Expect(disk.Format().Attrs).To(HaveKeyWithValue("label", "gpt"))

		part := tree.DeviceByName("sda1")
		Expect(part.Parents()).To(Equal([]devicetree.ID{disk.ID()}))
		Expect(part.Format().Type).To(Equal("ext4"))
		Expect(part.Format().UUID).To(Equal(ext4UUID))
		Expect(part.Format().Label).To(Equal("data"))
		Expect(tree.Resolve("LABEL=data")).To(BeIdenticalTo(part))
	})

	It("should not duplicate anything on a second pass", func() {
		source.Put(sda())
		source.Put(sda1())
		source.Put(sdbVDO())
		source.Put(dm("dm-3", "vdo0", vdoUUID, "sdb"))
		native.Volumes["/dev/sdb"] = blockdev.Info{Name: "vdo0", UUID: vdoUUID, Active: true}

		_, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		first := ids(tree.Devices())

		stats, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Created).To(BeZero())
		Expect(ids(tree.Devices())).To(Equal(first))
		Expect(added).To(Equal(4))
	})

	It("should build the vdo volume found on its backing device once", func() {
		source.Put(sdbVDO())
		source.Put(dm("dm-3", "vdo0", vdoUUID, "sdb"))
		native.Volumes["/dev/sdb"] = blockdev.Info{
			Name:          "vdo0",
			UUID:          vdoUUID,
			Compression:   true,
			Deduplication: true,
			Active:        true,
		}

		_, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(names(tree.Devices())).To(Equal([]string{"sdb", "vdo0"}))

		vdo := tree.DeviceByName("vdo0")
		Expect(vdo.Kind).To(Equal(devicetree.KindVDO))
		Expect(vdo.SysfsPath).To(Equal("/sys/devices/virtual/block/dm-3"))
		Expect(vdo.Attrs).To(HaveKeyWithValue("compression", "true"))
		Expect(vdo.Parents()).To(Equal([]devicetree.ID{tree.DeviceByName("sdb").ID()}))
		Expect(tree.DeviceByName("sdb").Format().Type).To(Equal("vdo"))
	})

	It("should keep the id of a device matched by UUID and take the record name", func() {
		source.Put(sdbVDO())
		native.Volumes["/dev/sdb"] = blockdev.Info{Name: "vdo-old", UUID: vdoUUID}

		_, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		stacked := tree.DeviceByName("vdo-old")
		Expect(stacked).NotTo(BeNil())
		Expect(stacked.Active()).To(BeFalse())

		source.Put(dm("dm-3", "vdo0", vdoUUID, "sdb"))
		_, err = builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(names(tree.Devices())).To(Equal([]string{"sdb", "vdo0"}))
		Expect(tree.DeviceByName("vdo0").ID()).To(Equal(stacked.ID()))
		Expect(stacked.Active()).To(BeTrue())
	})

	It("should defer devices until every slave is present", func() {
		source.Put(plainDisk("sdb"))
		source.Put(dm("dm-0", "striped", "", "sdb", "sdc"))

		stats, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Deferred).To(Equal(1))
		Expect(tree.DeviceByName("striped")).To(BeNil())

		_, err = builder.HandleRecord(ctx, dm("dm-0", "striped", "", "sdb", "sdc"))
		Expect(errors.Is(err, populator.ErrIncompleteDependencies)).To(BeTrue())

		source.Put(plainDisk("sdc"))
		stats, err = builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Deferred).To(BeZero())
		Expect(stats.Created).To(Equal(2))

		striped := tree.DeviceByName("striped")
		Expect(striped).NotTo(BeNil())
		Expect(striped.Parents()).To(HaveLen(2))

		_, err = builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(names(tree.Devices())).To(Equal([]string{"sdb", "sdc", "striped"}))
	})

	It("should wait for declared md members", func() {
		source.Put(plainDisk("sdc", "ID_FS_TYPE", "linux_raid_member"))
		md := record("/devices/virtual/block/md127", []udev.Id{"sdc"},
			"DEVTYPE", "disk", "MD_LEVEL", "raid1", "MD_DEVICES", "2", "MD_UUID", "3b1e5c0a:2f1d8e44:9a0b7c6d:5e4f3a2b")
		source.Put(md)

		_, err := builder.HandleRecord(ctx, md)
		Expect(errors.Is(err, populator.ErrIncompleteDependencies)).To(BeTrue())
		Expect(tree.DeviceByName("md127")).To(BeNil())
		Expect(tree.DeviceByName("sdc").Format().Type).To(Equal("mdmember"))
	})

	It("should report missing slaves", func() {
		_, err := builder.HandleRecord(ctx, dm("dm-0", "linear0", "", "sdz"))
		Expect(errors.Is(err, populator.ErrMissingDependency)).To(BeTrue())
		Expect(tree.Devices()).To(BeEmpty())
	})

	It("should detect dependency cycles", func() {
		a := dm("dm-0", "a", "", "dm-1")
		b := dm("dm-1", "b", "", "dm-0")
		source.Put(a)
		source.Put(b)

		_, err := builder.HandleRecord(ctx, a)
		Expect(errors.Is(err, populator.ErrDependencyCycle)).To(BeTrue())
		Expect(tree.Devices()).To(BeEmpty())

		stats, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Failed).To(Equal(2))
	})

	It("should go on after a record fails", func() {
		source.Put(dm("dm-0", "orphan", ""))
		source.Put(plainDisk("sdb"))

		stats, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Failed).To(Equal(1))
		Expect(names(tree.Devices())).To(Equal([]string{"sdb"}))

		_, err = builder.HandleRecord(ctx, dm("dm-0", "orphan", ""))
		Expect(errors.Is(err, populator.ErrConstruction)).To(BeTrue())
	})

	It("should count records nothing handles as skipped", func() {
		source.Put(plainDisk("sdb"))
		source.Put(dm("dm-1", "vg-lv", "LVM-abcdef", "sdb"))

		stats, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Skipped).To(Equal(1))
		Expect(stats.Created).To(Equal(1))
	})

	It("should keep the device when its format fails", func() {
		registry, err := populator.NewRegistry(
			populator.DiskDevice(),
			&stubPopulator{
				name:     "broken",
				category: populator.CategoryFormat,
				priority: 1,
				match:    matchAll,
				err:      errors.New("format lookup failed"),
			},
		)
		Expect(err).NotTo(HaveOccurred())
		builder = populator.NewBuilder(populator.Env{Tree: tree, Source: source, Native: native}, registry)
		source.Put(plainDisk("sdb"))

		stats, err := builder.Populate(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Failed).To(Equal(1))
		Expect(tree.DeviceByName("sdb")).NotTo(BeNil())
		Expect(tree.DeviceByName("sdb").Format()).To(BeNil())
	})

	It("should abort when an observer rejects a mutation", func() {
		tree.Observe(func(ev devicetree.Event) error {
			return errors.New("export out of sync")
		})
		source.Put(plainDisk("sdb"))

		_, err := builder.Populate(ctx)
		Expect(err).To(MatchError(ContainSubstring("export out of sync")))
		Expect(populator.Recoverable(err)).To(BeFalse())
	})
})
