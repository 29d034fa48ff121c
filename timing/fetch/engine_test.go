package fetch_test

import (
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/smtfetch/timing/fetch"
)

var _ = Describe("Engine", func() {
	var (
		mockCtrl   *gomock.Controller
		cpu        *MockCPU
		bp         *MockBranchPredictor
		mem        *fakeMemory
		translator *fakeTranslator
		cfg        fetch.Config
		engine     *fetch.Engine
		seq        uint64
	)

	build := func() {
		var err error
		engine, err = fetch.NewEngine(cfg, cpu, bp, translator, mem,
			fetch.WithLogger(slog.New(slog.DiscardHandler)))
		Expect(err).NotTo(HaveOccurred())

		for tid := 0; tid < cfg.NumThreads; tid++ {
			engine.SetPC(fetch.ThreadID(tid), 0x1000+uint64(tid)*0x1000)
		}
		engine.Start()
	}

	// tick delivers the given signals one cycle late, as the later stages
	// would, and runs one fetch cycle.
	tick := func(deliver func(*fetch.BackwardSignals)) {
		if deliver != nil {
			deliver(engine.Signals().Current())
		}
		engine.Signals().Advance()
		Expect(engine.Tick()).To(Succeed())
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		cpu = NewMockCPU(mockCtrl)
		bp = NewMockBranchPredictor(mockCtrl)
		mem = newFakeMemory(64)
		translator = newFakeTranslator()

		cfg = fetch.DefaultConfig()
		cfg.FetchWidth = 4
		cfg.QueueSize = 8
		cfg.StrictChecks = true

		seq = 0
		cpu.EXPECT().GetAndIncrementInstSeq().DoAndReturn(func() uint64 {
			seq++
			return seq
		}).AnyTimes()
		cpu.EXPECT().AddInst(gomock.Any()).AnyTimes()
		cpu.EXPECT().ActivateStage().AnyTimes()
		cpu.EXPECT().DeactivateStage().AnyTimes()
		cpu.EXPECT().WakeCPU().AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should reject an invalid configuration", func() {
		cfg.NumFetchingThreads = 2

		_, err := fetch.NewEngine(cfg, cpu, bp, translator, mem)

		Expect(err).To(HaveOccurred())
	})

	Context("single thread", func() {
		BeforeEach(func() {
			build()
		})

		It("should fetch a full width from a hit", func() {
			tick(nil)

			out := drain(engine.ToDecode())
			Expect(out).To(HaveLen(4))
			for i, inst := range out {
				Expect(inst.SeqNum).To(Equal(uint64(i + 1)))
				Expect(inst.PC).To(Equal(0x1000 + uint64(i)*4))
				Expect(inst.Thread).To(Equal(fetch.ThreadID(0)))
			}

			Expect(engine.Thread(0).PC).To(Equal(uint64(0x1010)))
			Expect(engine.Status(0)).To(Equal(fetch.Running))
			Expect(engine.WroteToTimeBuffer()).To(BeTrue())
			Expect(engine.Stats().InstsPerCycle[4]).To(Equal(uint64(1)))
		})

		It("should stop at the end of the cache line", func() {
			engine.SetPC(0, 0x1038)

			tick(nil)

			Expect(drain(engine.ToDecode())).To(HaveLen(2))
			Expect(engine.Thread(0).PC).To(Equal(uint64(0x1040)))
		})

		It("should stall on a miss and drain the line on completion", func() {
			mem.missOnce[0x1000] = true

			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.IcacheMissStall))
			Expect(engine.ToDecode().Size()).To(Equal(0))
			Expect(engine.Thread(0).LastIcacheStall).To(Equal(uint64(1)))
			Expect(engine.StageStatus()).To(Equal(fetch.Inactive))

			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.IcacheMissStall))
			Expect(engine.ToDecode().Size()).To(Equal(0))

			mem.completeAll()
			Expect(engine.Status(0)).To(Equal(fetch.IcacheMissComplete))
			Expect(engine.StageStatus()).To(Equal(fetch.Active))

			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.Running))
			Expect(drain(engine.ToDecode())).To(HaveLen(4))
			Expect(mem.accesses).To(Equal(1))
			Expect(engine.Stats().IcacheStallCycles).To(Equal(uint64(2)))
		})

		It("should go to Blocked when a miss completes while stalled", func() {
			mem.missOnce[0x1000] = true
			tick(nil)

			tick(func(s *fetch.BackwardSignals) {
				s.Decode.Threads[0].Block = true
			})
			Expect(engine.Status(0)).To(Equal(fetch.IcacheMissStall))

			mem.completeAll()
			Expect(engine.Status(0)).To(Equal(fetch.Blocked))
		})

		It("should ignore the completion of a squashed miss", func() {
			mem.missOnce[0x1000] = true
			tick(nil)

			bp.EXPECT().Squash(uint64(0), fetch.ThreadID(0))
			cpu.EXPECT().RemoveInstsNotInROB(fetch.ThreadID(0))
			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0].Squash = true
				s.Commit.Threads[0].NextPC = 0x3000
			})
			Expect(engine.Tracker().Outstanding(0)).To(BeNil())

			mem.completeAll()

			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.Stats().IcacheSquashes).To(Equal(uint64(1)))
		})

		It("should retry when the icache has no MSHR", func() {
			mem.blocked = true

			tick(nil)

			Expect(engine.Status(0)).To(Equal(fetch.Running))
			Expect(engine.ToDecode().Size()).To(Equal(0))
			Expect(engine.Stats().NoMSHRRetries).To(Equal(uint64(1)))

			mem.blocked = false
			tick(nil)

			Expect(engine.ToDecode().Size()).To(Equal(4))
		})

		It("should redirect on a commit squash", func() {
			tick(nil)
			drain(engine.ToDecode())

			bp.EXPECT().SquashMispredict(
				uint64(3), uint64(0x2000), true, fetch.ThreadID(0))
			cpu.EXPECT().RemoveInstsNotInROB(fetch.ThreadID(0))

			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0] = fetch.ThreadSignals{
					Squash:           true,
					DoneSeqNum:       3,
					BranchMispredict: true,
					NextPC:           0x2000,
					BranchTaken:      true,
				}
			})

			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.Thread(0).PC).To(Equal(uint64(0x2000)))
			Expect(engine.Thread(0).NextPC).To(Equal(uint64(0x2004)))
			Expect(engine.ToDecode().Size()).To(Equal(0))

			tick(nil)

			Expect(engine.Status(0)).To(Equal(fetch.Running))
			out := drain(engine.ToDecode())
			Expect(out).To(HaveLen(4))
			Expect(out[0].PC).To(Equal(uint64(0x2000)))
		})

		It("should squash from decode and inform the predictor", func() {
			bp.EXPECT().Squash(uint64(5), fetch.ThreadID(0)).Times(2)
			cpu.EXPECT().RemoveInstsUntil(uint64(5), fetch.ThreadID(0))

			squash := func(s *fetch.BackwardSignals) {
				s.Decode.Threads[0].Squash = true
				s.Decode.Threads[0].DoneSeqNum = 5
				s.Decode.Threads[0].NextPC = 0x1800
			}

			tick(squash)
			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.Thread(0).PC).To(Equal(uint64(0x1800)))

			tick(squash)
			Expect(engine.Status(0)).To(Equal(fetch.Running))
		})

		It("should stay squashing while the ROB squashes", func() {
			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0].ROBSquashing = true
				s.Decode.Threads[0].Squash = true
			})

			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.ToDecode().Size()).To(Equal(0))
		})

		It("should drop an outstanding miss when the ROB squashes", func() {
			mem.missOnce[0x1000] = true
			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.IcacheMissStall))

			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0].ROBSquashing = true
			})
			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.Tracker().Outstanding(0)).To(BeNil())
			Expect(engine.Thread(0).CacheLine).To(BeNil())

			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.Running))
			Expect(drain(engine.ToDecode())).To(HaveLen(4))
			Expect(mem.accesses).To(Equal(2))

			mem.completeAll()

			Expect(engine.Status(0)).To(Equal(fetch.Running))
			Expect(engine.Stats().IcacheSquashes).To(Equal(uint64(1)))
		})

		It("should let a commit squash win over a decode squash", func() {
			tick(nil)
			drain(engine.ToDecode())

			bp.EXPECT().Squash(uint64(2), fetch.ThreadID(0))
			cpu.EXPECT().RemoveInstsNotInROB(fetch.ThreadID(0))
			cpu.EXPECT().RemoveInstsUntil(gomock.Any(), gomock.Any()).Times(0)

			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0].Squash = true
				s.Commit.Threads[0].DoneSeqNum = 2
				s.Commit.Threads[0].NextPC = 0x3000
				s.Decode.Threads[0].Squash = true
				s.Decode.Threads[0].DoneSeqNum = 5
				s.Decode.Threads[0].NextPC = 0x1800
			})

			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.Thread(0).PC).To(Equal(uint64(0x3000)))
			Expect(engine.Thread(0).NextPC).To(Equal(uint64(0x3004)))
		})

		It("should update the predictor with done instructions", func() {
			bp.EXPECT().Update(uint64(7), fetch.ThreadID(0))

			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0].DoneSeqNum = 7
			})
		})

		It("should block and unblock", func() {
			tick(func(s *fetch.BackwardSignals) {
				s.Rename.Threads[0].Block = true
			})
			Expect(engine.Status(0)).To(Equal(fetch.Blocked))
			Expect(engine.Thread(0).Stalls.Rename).To(BeTrue())
			Expect(engine.ToDecode().Size()).To(Equal(0))

			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.Blocked))

			tick(func(s *fetch.BackwardSignals) {
				s.Rename.Threads[0].Unblock = true
			})
			Expect(engine.Status(0)).To(Equal(fetch.Running))
			Expect(engine.ToDecode().Size()).To(Equal(4))
		})

		It("should panic on an unblock without a block", func() {
			Expect(func() {
				tick(func(s *fetch.BackwardSignals) {
					s.IEW.Threads[0].Unblock = true
				})
			}).To(Panic())
		})

		It("should panic on block and unblock in the same cycle", func() {
			Expect(func() {
				tick(func(s *fetch.BackwardSignals) {
					s.Commit.Threads[0].Block = true
					s.Commit.Threads[0].Unblock = true
				})
			}).To(Panic())
		})

		It("should stop at a predicted-taken branch", func() {
			mem.words[0x1004] = bWord
			bp.EXPECT().Predict(gomock.Any()).DoAndReturn(
				func(inst *fetch.DynInst) (bool, uint64) {
					Expect(inst.PC).To(Equal(uint64(0x1004)))
					return true, uint64(0x1014)
				})

			tick(nil)

			out := drain(engine.ToDecode())
			Expect(out).To(HaveLen(2))
			Expect(out[1].PredTaken).To(BeTrue())
			Expect(out[1].PredPC).To(Equal(uint64(0x1014)))
			Expect(engine.Thread(0).PC).To(Equal(uint64(0x1014)))
			Expect(engine.Stats().PredictedBranches).To(Equal(uint64(1)))
		})

		It("should continue past a not-taken branch", func() {
			mem.words[0x1004] = bWord
			bp.EXPECT().Predict(gomock.Any()).Return(false, uint64(0))

			tick(nil)

			Expect(drain(engine.ToDecode())).To(HaveLen(4))
			Expect(engine.Stats().FetchedBranches).To(Equal(uint64(1)))
			Expect(engine.Stats().PredictedBranches).To(Equal(uint64(0)))
		})

		It("should park on a quiesce instruction until woken", func() {
			mem.words[0x1008] = wfiWord

			tick(nil)
			Expect(drain(engine.ToDecode())).To(HaveLen(3))
			Expect(engine.Status(0)).To(Equal(fetch.QuiescePending))

			tick(nil)
			Expect(engine.ToDecode().Size()).To(Equal(0))

			engine.WakeFromQuiesce(0)
			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.Running))
			Expect(engine.ToDecode().Size()).To(Equal(4))
		})

		It("should hold off while an interrupt is pending", func() {
			tick(func(s *fetch.BackwardSignals) {
				s.Commit.InterruptPending = true
			})
			Expect(engine.InterruptPending()).To(BeTrue())
			Expect(engine.ToDecode().Size()).To(Equal(0))

			tick(func(s *fetch.BackwardSignals) {
				s.Commit.ClearInterrupt = true
			})
			Expect(engine.InterruptPending()).To(BeFalse())
			Expect(engine.ToDecode().Size()).To(Equal(4))
		})

		It("should record a fault and wait for the trap", func() {
			translator.faults[0x1000] = true

			tick(nil)

			Expect(engine.Status(0)).To(Equal(fetch.TrapPending))
			out := drain(engine.ToDecode())
			Expect(out).To(HaveLen(1))
			Expect(out[0].Fault).To(MatchError(errNoMapping))
			Expect(engine.PendingFault(0)).To(Equal(out[0]))

			tick(func(s *fetch.BackwardSignals) {
				s.Decode.Threads[0].Block = true
			})
			Expect(engine.Status(0)).To(Equal(fetch.TrapPending))

			bp.EXPECT().Squash(uint64(1), fetch.ThreadID(0))
			cpu.EXPECT().RemoveInstsNotInROB(fetch.ThreadID(0))
			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0].Squash = true
				s.Commit.Threads[0].DoneSeqNum = 1
				s.Commit.Threads[0].NextPC = 0x8000
			})

			Expect(engine.PendingFault(0)).To(BeNil())
			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.Thread(0).PC).To(Equal(uint64(0x8000)))
		})

		It("should not wake a thread that is not quiescing", func() {
			mem.missOnce[0x1000] = true
			tick(nil)

			engine.WakeFromQuiesce(0)
			Expect(engine.Status(0)).To(Equal(fetch.IcacheMissStall))

			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.IcacheMissStall))
			Expect(mem.accesses).To(Equal(1))
		})

		It("should give up the pending fault when the ROB squashes", func() {
			translator.faults[0x1000] = true
			tick(nil)
			Expect(engine.Status(0)).To(Equal(fetch.TrapPending))
			drain(engine.ToDecode())

			tick(func(s *fetch.BackwardSignals) {
				s.Commit.Threads[0].ROBSquashing = true
			})

			Expect(engine.Status(0)).To(Equal(fetch.Squashing))
			Expect(engine.PendingFault(0)).To(BeNil())
		})

		It("should keep the stage inactive when no thread can fetch", func() {
			mem.missOnce[0x1000] = true
			tick(nil)
			before := engine.Thread(0)

			tick(nil)
			tick(nil)

			Expect(engine.Thread(0)).To(Equal(before))
			Expect(engine.WroteToTimeBuffer()).To(BeFalse())
			Expect(engine.Stats().InstsPerCycle[0]).To(Equal(uint64(3)))
		})
	})

	It("should stop the run on a fault without full-system support", func() {
		cfg.FullSystem = false
		build()
		translator.faults[0x1000] = true

		engine.Signals().Advance()
		err := engine.Tick()

		Expect(err).To(MatchError(fetch.ErrFatalFault))
		Expect(err).To(MatchError(errNoMapping))
	})

	It("should log instead of panic without strict checks", func() {
		cfg.StrictChecks = false
		build()

		tick(func(s *fetch.BackwardSignals) {
			s.Decode.Threads[0].Unblock = true
		})

		Expect(engine.Thread(0).Stalls.Decode).To(BeFalse())
		Expect(engine.Status(0)).To(Equal(fetch.Running))
	})

	Context("two threads, round robin", func() {
		BeforeEach(func() {
			cfg.NumThreads = 2
			cfg.Policy = fetch.RoundRobin
			build()
		})

		It("should alternate between ready threads", func() {
			tick(nil)
			first := drain(engine.ToDecode())
			Expect(first[0].Thread).To(Equal(fetch.ThreadID(0)))

			tick(nil)
			second := drain(engine.ToDecode())
			Expect(second[0].Thread).To(Equal(fetch.ThreadID(1)))
			Expect(second[0].PC).To(Equal(uint64(0x2000)))
		})

		It("should skip a blocked thread", func() {
			tick(func(s *fetch.BackwardSignals) {
				s.Decode.Threads[0].Block = true
			})

			out := drain(engine.ToDecode())
			Expect(out).To(HaveLen(4))
			Expect(out[0].Thread).To(Equal(fetch.ThreadID(1)))
			Expect(engine.Arbiter().PriorityList()).To(
				Equal([]fetch.ThreadID{0, 1}))

			tick(func(s *fetch.BackwardSignals) {
				s.Decode.Threads[0].Unblock = true
			})

			out = drain(engine.ToDecode())
			Expect(out[0].Thread).To(Equal(fetch.ThreadID(0)))
		})

		It("should share the fetch width between fetching threads", func() {
			cfg.NumFetchingThreads = 2
			cfg.FetchWidth = 6
			build()
			engine.SetPC(0, 0x1038)

			tick(nil)

			out := drain(engine.ToDecode())
			Expect(out).To(HaveLen(6))
			Expect(out[0].Thread).To(Equal(fetch.ThreadID(0)))
			Expect(out[2].Thread).To(Equal(fetch.ThreadID(1)))
		})
	})

	Context("three threads, round robin", func() {
		BeforeEach(func() {
			cfg.NumThreads = 3
			cfg.Policy = fetch.RoundRobin
			build()
		})

		It("should serve every ready thread once before repeating", func() {
			var order []fetch.ThreadID
			for range 6 {
				tick(nil)
				out := drain(engine.ToDecode())
				Expect(out).To(HaveLen(4))
				order = append(order, out[0].Thread)
			}

			Expect(order[:3]).To(ConsistOf(
				fetch.ThreadID(0), fetch.ThreadID(1), fetch.ThreadID(2)))
			Expect(order[3:]).To(Equal(order[:3]))
		})

		It("should number instructions in increasing order across threads",
			func() {
				var all []*fetch.DynInst
				for range 6 {
					tick(nil)
					all = append(all, drain(engine.ToDecode())...)
				}

				Expect(all).To(HaveLen(24))
				for i := 1; i < len(all); i++ {
					Expect(all[i].SeqNum).To(BeNumerically(">", all[i-1].SeqNum))
				}
				Expect(all[0].Thread).NotTo(Equal(all[4].Thread))
			})
	})
})
