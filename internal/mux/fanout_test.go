package mux_test

import (
	"errors"

	"github.com/ydb-platform/storage-manager/internal/mux"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Fanout", func() {
	It("should call handlers in registration order", func() {
		var f mux.Fanout[int]
		var calls []string
		f.Add(func(v int) error { calls = append(calls, "first"); return nil })
		f.Add(func(v int) error { calls = append(calls, "second"); return nil })

		Expect(f.Emit(1)).To(Succeed())
		Expect(calls).To(Equal([]string{"first", "second"}))
	})

	It("should stop at the first failing handler", func() {
		var f mux.Fanout[int]
		boom := errors.New("boom")
		reached := false
		f.Add(func(int) error { return boom })
		f.Add(func(int) error { reached = true; return nil })

		Expect(f.Emit(1)).To(MatchError(boom))
		Expect(reached).To(BeFalse())
	})

	It("should remove handlers on cancel", func() {
		var f mux.Fanout[int]
		count := 0
		cancel := f.Add(func(int) error { count++; return nil })
		f.Add(func(int) error { return nil })

		cancel()
		Expect(f.Len()).To(Equal(1))
		Expect(f.Emit(1)).To(Succeed())
		Expect(count).To(BeZero())
	})
})
