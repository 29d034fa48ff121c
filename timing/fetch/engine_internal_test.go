package fetch

import (
	"bytes"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type lineOnlyMemory struct{}

func (lineOnlyMemory) BlockSize() int {
	return 64
}

func (lineOnlyMemory) Access(*MemRequest) AccessResult {
	return AccessResult{Status: AccessBlocked}
}

var _ = Describe("Engine squash", func() {
	var (
		logs   *bytes.Buffer
		engine *Engine
	)

	BeforeEach(func() {
		logs = new(bytes.Buffer)

		var err error
		engine, err = NewEngine(DefaultConfig(), nil, nil, nil,
			lineOnlyMemory{},
			WithLogger(slog.New(slog.NewTextHandler(logs, nil))))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should warn when a trapping thread has no fetch fault", func() {
		engine.threads[0].Status = TrapPending

		engine.squash(0, 0x8000)

		Expect(logs.String()).To(ContainSubstring("level=WARN"))
		Expect(logs.String()).To(
			ContainSubstring("squash in TrapPending without a fetch fault"))
		Expect(engine.threads[0].PC).To(Equal(uint64(0x8000)))
	})

	It("should clear the fetch fault silently", func() {
		engine.threads[0].Status = TrapPending
		engine.pendingFaults[0] = &DynInst{SeqNum: 1, PC: 0x1000}

		engine.squash(0, 0x8000)

		Expect(engine.pendingFaults[0]).To(BeNil())
		Expect(logs.String()).NotTo(ContainSubstring("level=WARN"))
	})
})
