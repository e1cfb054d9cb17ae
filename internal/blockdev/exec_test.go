package blockdev_test

import (
	"context"
	"errors"
	"strings"

	"github.com/ydb-platform/storage-manager/internal/blockdev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const vdoStatus = `VDO status:
  Date: '2024-03-11 12:00:00+00:00'
  Node: storage-01
VDOs:
  vdo0:
    Activate: enabled
    Compression: enabled
    Deduplication: disabled
    Storage device: /dev/sdb
    UUID: VDO-5a3e2b1c-0d4f-4e6a-8b7c-9d0e1f2a3b4c
  vdo1:
    Activate: disabled
    Compression: disabled
    Deduplication: enabled
    Storage device: /dev/sdc
  vdo2:
    Activate: enabled
    Compression: enabled
    Deduplication: enabled
    Storage device: /dev/disk/by-id/wwn-0x5000c500a1b2c3d4
    UUID: VDO-0c1d2e3f-4a5b-4c6d-8e7f-9a0b1c2d3e4f
`

// links stands in for the /dev/disk symlinks of a host.
var links = map[string]string{
	"/dev/disk/by-id/wwn-0x5000c500a1b2c3d4": "/dev/sde",
	"/dev/disk/by-id/wwn-0x5000c500deadbeef": "/dev/sdb",
}

func resolveLinks(path string) (string, error) {
	if target, ok := links[path]; ok {
		return target, nil
	}
	if strings.HasPrefix(path, "/dev/disk/") {
		return "", errors.New("no such file or directory")
	}
	return path, nil
}

type recorder struct {
	calls  []string
	output map[string]string
	fail   map[string]error
}

func (r *recorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call)
	if err, ok := r.fail[name]; ok {
		return nil, err
	}
	return []byte(r.output[call]), nil
}

var _ = Describe("Exec", func() {
	var (
		rec    *recorder
		native *blockdev.Exec
		ctx    context.Context
	)

	BeforeEach(func() {
		rec = &recorder{
			output: map[string]string{"vdo status": vdoStatus},
			fail:   map[string]error{},
		}
		native = blockdev.NewExec(blockdev.WithRunner(rec.run), blockdev.WithPathResolver(resolveLinks))
		ctx = context.Background()
	})

	It("should find the vdo volume stored on a device", func() {
		info, err := native.Info(ctx, "/dev/sdb")
		Expect(err).NotTo(HaveOccurred())
		Expect(info).To(Equal(blockdev.Info{
			Name:          "vdo0",
			UUID:          "VDO-5a3e2b1c-0d4f-4e6a-8b7c-9d0e1f2a3b4c",
			Device:        "/dev/sdb",
			Compression:   true,
			Deduplication: false,
			Active:        true,
		}))

		info, err = native.Info(ctx, "/dev/sdc")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Name).To(Equal("vdo1"))
		Expect(info.Active).To(BeFalse())
	})

	It("should match storage devices recorded as by-id links", func() {
		info, err := native.Info(ctx, "/dev/sde")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Name).To(Equal("vdo2"))
		Expect(info.UUID).To(Equal("VDO-0c1d2e3f-4a5b-4c6d-8e7f-9a0b1c2d3e4f"))
		Expect(info.Device).To(Equal("/dev/disk/by-id/wwn-0x5000c500a1b2c3d4"))
	})

	It("should resolve the queried path too", func() {
		info, err := native.Info(ctx, "/dev/disk/by-id/wwn-0x5000c500deadbeef")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Name).To(Equal("vdo0"))
	})

	It("should report devices without a vdo volume as not found", func() {
		_, err := native.Info(ctx, "/dev/sdd")
		Expect(errors.Is(err, blockdev.ErrNotFound)).To(BeTrue())

		var nativeErr *blockdev.Error
		Expect(errors.As(err, &nativeErr)).To(BeTrue())
		Expect(nativeErr.Op).To(Equal("info"))
	})

	It("should wrap tool failures", func() {
		rec.fail["dmsetup"] = errors.New("exit status 1")
		err := native.Remove(ctx, blockdev.KindDM, "crypt0")
		Expect(err).To(MatchError(ContainSubstring("remove dm crypt0")))
	})

	It("should reject unsupported kinds", func() {
		err := native.Remove(ctx, "md", "md127")
		Expect(errors.Is(err, blockdev.ErrUnsupported)).To(BeTrue())
		Expect(rec.calls).To(BeEmpty())
	})

	It("should force vdo removal", func() {
		Expect(native.Remove(ctx, blockdev.KindVDO, "vdo0")).To(Succeed())
		Expect(rec.calls).To(Equal([]string{"vdo remove --name=vdo0 --force"}))
	})

	It("should not label a disk that could not be wiped", func() {
		rec.fail["wipefs"] = errors.New("device busy")
		err := native.InitializeDisk(ctx, "/dev/sdb", "gpt")
		Expect(err).To(MatchError(ContainSubstring("device busy")))
		Expect(rec.calls).To(Equal([]string{"wipefs -a /dev/sdb"}))
	})

	It("should wipe before labeling when initializing a disk", func() {
		Expect(native.InitializeDisk(ctx, "/dev/sdb", "")).To(Succeed())
		Expect(rec.calls).To(Equal([]string{
			"wipefs -a /dev/sdb",
			"parted -s /dev/sdb mklabel gpt",
		}))
	})
})
