package mux_test

import (
	"fmt"
	"sync"

	"github.com/ydb-platform/storage-manager/internal/mux"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Info(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

var _ = Describe("Mux", func() {
	var m *mux.Mux[string]

	subscribe := func(size int) (chan string, mux.CancelFunc) {
		ch := make(chan string, size)
		return ch, m.Subscribe(mux.SinkFromChan(ch))
	}

	When("values are submitted", func() {
		BeforeEach(func() {
			m = mux.Make(mux.WithLogger[string](GinkgoLogr))
			DeferCleanup(m.Close)
		})

		It("delivers each value to every subscriber", func() {
			first, cancelFirst := subscribe(0)
			second, cancelSecond := subscribe(0)
			DeferCleanup(cancelFirst)
			DeferCleanup(cancelSecond)

			go func() { _ = m.Submit("sda") }()

			Eventually(first).Should(Receive(Equal("sda")))
			Eventually(second).Should(Receive(Equal("sda")))
		})

		It("preserves submission order per subscriber", func() {
			ch, cancel := subscribe(0)
			DeferCleanup(cancel)

			names := []string{"sda", "sda1", "sdb"}
			go func() {
				for _, name := range names {
					_ = m.Submit(name)
				}
			}()

			for _, name := range names {
				Eventually(ch).Should(Receive(Equal(name)))
			}
		})

		It("maps values through ThenSink", func() {
			lengths := make(chan int, 1)
			cancel := m.Subscribe(mux.ThenSink(mux.SinkFromChan(lengths), func(s string) int { return len(s) }))
			DeferCleanup(cancel)

			Expect(m.Submit("nvme0n1")).To(Succeed())
			Eventually(lengths).Should(Receive(Equal(7)))
		})

		It("stops delivering and closes the sink after cancel", func() {
			ch, cancel := subscribe(1)
			cancel()

			Expect(m.Submit("sda")).To(Succeed())
			Eventually(ch).Should(BeClosed())
		})
	})

	It("accepts buffered submissions without a reader", func() {
		ints := mux.Make(mux.Buffered[int](2))
		DeferCleanup(ints.Close)

		ch := make(chan int)
		DeferCleanup(ints.Subscribe(mux.SinkFromChan(ch)))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 3 {
				_ = ints.Submit(i)
			}
		}()

		for i := range 3 {
			Eventually(ch).Should(Receive(Equal(i)))
		}
		wg.Wait()
	})

	It("replays the last value to late subscribers", func() {
		m = mux.Make(mux.ReplayLast[string]())
		DeferCleanup(m.Close)

		Expect(m.Submit("first")).To(Succeed())
		Expect(m.Submit("second")).To(Succeed())

		Eventually(func() string {
			ch, cancel := subscribe(1)
			defer cancel()
			select {
			case v := <-ch:
				return v
			default:
				return ""
			}
		}).Should(Equal("second"))
	})

	When("closed", func() {
		BeforeEach(func() {
			m = mux.Make(mux.WithSubmitTimeout[string](0))
		})

		It("closes every subscribed sink", func() {
			first, _ := subscribe(0)
			second, _ := subscribe(0)
			m.Close()

			Eventually(first).Should(BeClosed())
			Eventually(second).Should(BeClosed())
		})

		It("rejects submissions", func() {
			m.Close()
			Eventually(func() error { return m.Submit("late") }).Should(HaveOccurred())
		})
	})

	It("reports dropped values to its logger", func() {
		logger := &recordingLogger{}
		m = mux.Make(mux.WithSubmitTimeout[string](0), mux.WithLogger[string](logger))
		m.Close()

		Eventually(func() error { return m.Submit("sdb") }).Should(HaveOccurred())
		Expect(logger.Lines()).To(ContainElement(ContainSubstring("sdb")))
	})

	It("chains cancel functions in order", func() {
		var calls []int
		cancel := mux.ChainCancelFunc(
			func() { calls = append(calls, 1) },
			func() { calls = append(calls, 2) },
			nil,
			func() { calls = append(calls, 3) },
		)
		cancel()
		Expect(calls).To(Equal([]int{1, 2, 3}))
	})
})
