package fetch

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("nextStatus", func() {
	DescribeTable("transitions",
		func(
			cur ThreadStatus,
			in transitionInput,
			want ThreadStatus,
			wantSrc squashSource,
			wantFired bool,
		) {
			next, src, fired := nextStatus(cur, in)

			Expect(next).To(Equal(want))
			Expect(src).To(Equal(wantSrc))
			Expect(fired).To(Equal(wantFired))
		},
		Entry("commit squash wins over everything",
			IcacheMissStall,
			transitionInput{commitSquash: true, decodeSquash: true, stalled: true},
			Squashing, commitSquash, true),
		Entry("ROB squashing forces Squashing",
			Running, transitionInput{robSquashing: true, decodeSquash: true},
			Squashing, noSquash, true),
		Entry("decode squash from Running",
			Running, transitionInput{decodeSquash: true},
			Squashing, decodeSquash, true),
		Entry("decode squash while Squashing resumes",
			Squashing, transitionInput{decodeSquash: true},
			Running, noSquash, true),
		Entry("stall blocks a running thread",
			Running, transitionInput{stalled: true},
			Blocked, noSquash, true),
		Entry("stall does not disturb a miss",
			IcacheMissStall, transitionInput{stalled: true},
			IcacheMissStall, noSquash, false),
		Entry("stall leaves a pending trap parked",
			TrapPending, transitionInput{stalled: true},
			TrapPending, noSquash, false),
		Entry("stall leaves a quiesced thread parked",
			QuiescePending, transitionInput{stalled: true},
			QuiescePending, noSquash, false),
		Entry("blocked thread resumes",
			Blocked, transitionInput{},
			Running, noSquash, true),
		Entry("squashing thread resumes",
			Squashing, transitionInput{},
			Running, noSquash, true),
		Entry("completed miss is left alone",
			IcacheMissComplete, transitionInput{},
			IcacheMissComplete, noSquash, false),
		Entry("running thread is left alone",
			Running, transitionInput{},
			Running, noSquash, false),
	)
})
