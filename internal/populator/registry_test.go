package populator_test

import (
	"context"
	"errors"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/populator"
	"github.com/ydb-platform/storage-manager/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubPopulator struct {
	name     string
	category populator.Category
	priority int
	match    func(udev.Record) bool
	result   populator.Result
	err      error
}

func (s *stubPopulator) Name() string                 { return s.name }
func (s *stubPopulator) Category() populator.Category { return s.category }
func (s *stubPopulator) Priority() int                { return s.priority }
func (s *stubPopulator) Matches(rec udev.Record) bool { return s.match(rec) }
func (s *stubPopulator) Construct(context.Context, populator.Env, udev.Record, []*devicetree.Device) (populator.Result, error) {
	return s.result, s.err
}

func matchAll(udev.Record) bool { return true }

var _ = Describe("Registry", func() {
	DescribeTable("default populators",
		func(category populator.Category, rec udev.Record, name string) {
			registry := populator.DefaultRegistry()
			for i := 0; i < 3; i++ {
				p, err := registry.Select(category, rec)
				Expect(err).NotTo(HaveOccurred())
				Expect(p.Name()).To(Equal(name))
			}
		},
		Entry("disk", populator.CategoryDevice, sda(), "disk"),
		Entry("partition", populator.CategoryDevice, sda1(), "partition"),
		Entry("vdo volume", populator.CategoryDevice, dm("dm-3", "vdo0", vdoUUID, "sdb"), "vdo"),
		Entry("plain mapping", populator.CategoryDevice, dm("dm-0", "linear0", "", "sda"), "dm"),
		Entry("dm partition", populator.CategoryDevice, dm("dm-5", "mpatha1", "part1-mpath-3600508b4", "dm-4"), "partition"),
		Entry("md array", populator.CategoryDevice,
			record("/devices/virtual/block/md127", []udev.Id{"sdc", "sdd"}, "DEVTYPE", "disk", "MD_LEVEL", "raid1"), "md"),
		Entry("disklabel", populator.CategoryFormat, sda(), "disklabel"),
		Entry("filesystem", populator.CategoryFormat, sda1(), "generic"),
		Entry("vdo format", populator.CategoryFormat, sdbVDO(), "vdo"),
		Entry("md member", populator.CategoryFormat, plainDisk("sdc", "ID_FS_TYPE", "linux_raid_member"), "mdmember"),
	)

	It("should skip records nothing handles", func() {
		registry := populator.DefaultRegistry()
		_, err := registry.Select(populator.CategoryDevice, dm("dm-1", "vg-lv", "LVM-abcdef", "sda"))
		Expect(errors.Is(err, populator.ErrNoMatch)).To(BeTrue())
		Expect(populator.Recoverable(err)).To(BeTrue())

		_, err = registry.Select(populator.CategoryFormat, plainDisk("sdx"))
		Expect(errors.Is(err, populator.ErrNoMatch)).To(BeTrue())
	})

	It("should prefer higher priority regardless of registration order", func() {
		registry, err := populator.NewRegistry(
			&stubPopulator{name: "low", category: populator.CategoryFormat, priority: 1, match: matchAll},
			&stubPopulator{name: "high", category: populator.CategoryFormat, priority: 10, match: matchAll},
			&stubPopulator{name: "device", category: populator.CategoryDevice, priority: 100, match: matchAll},
		)
		Expect(err).NotTo(HaveOccurred())
		p, err := registry.Select(populator.CategoryFormat, sda())
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Name()).To(Equal("high"))
	})

	It("should refuse to choose between equal priorities", func() {
		registry, err := populator.NewRegistry(
			&stubPopulator{name: "a", category: populator.CategoryDevice, priority: 5, match: matchAll},
			&stubPopulator{name: "b", category: populator.CategoryDevice, priority: 5, match: matchAll},
		)
		Expect(err).NotTo(HaveOccurred())
		_, err = registry.Select(populator.CategoryDevice, sda())
		Expect(errors.Is(err, populator.ErrAmbiguousMatch)).To(BeTrue())
	})

	It("should reject duplicate names", func() {
		registry := populator.DefaultRegistry()
		err := registry.Register(populator.DiskDevice())
		Expect(err).To(MatchError(ContainSubstring("already registered")))
		Expect(registry.Populators()).To(HaveLen(9))
	})
})
