package main

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/smtfetch/emu"
	"github.com/sarchlab/smtfetch/loader"
	"github.com/sarchlab/smtfetch/timing/config"
	"github.com/sarchlab/smtfetch/timing/core"
	"github.com/sarchlab/smtfetch/timing/fetch"
)

// writeProgram writes an AArch64 ELF executable with one RX segment holding
// words at 0x400000.
func writeProgram(path string, words ...uint32) {
	const base, ehSize, phSize = 0x400000, 64, 56

	code := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(code[4*i:], w)
	}

	out := make([]byte, ehSize+phSize)
	copy(out, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(out[16:], 2)
	binary.LittleEndian.PutUint16(out[18:], 183)
	binary.LittleEndian.PutUint32(out[20:], 1)
	binary.LittleEndian.PutUint64(out[24:], base)
	binary.LittleEndian.PutUint64(out[32:], ehSize)
	binary.LittleEndian.PutUint16(out[52:], ehSize)
	binary.LittleEndian.PutUint16(out[54:], phSize)
	binary.LittleEndian.PutUint16(out[56:], 1)
	binary.LittleEndian.PutUint16(out[58:], 64)

	ph := out[ehSize:]
	binary.LittleEndian.PutUint32(ph[0:], 1)
	binary.LittleEndian.PutUint32(ph[4:], 0x5)
	binary.LittleEndian.PutUint64(ph[8:], ehSize+phSize)
	binary.LittleEndian.PutUint64(ph[16:], base)
	binary.LittleEndian.PutUint64(ph[24:], base)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)

	Expect(os.WriteFile(path, append(out, code...), 0644)).To(Succeed())
}

var _ = Describe("smtfetch", func() {
	var (
		dir     string
		program string
		stdout  *bytes.Buffer
		stderr  *bytes.Buffer
	)

	execute := func(args ...string) error {
		cmd := newRootCommand()
		cmd.SetArgs(append([]string{"--max-cycles", "5000"}, args...))
		cmd.SetOut(stdout)
		cmd.SetErr(stderr)

		return cmd.Execute()
	}

	effectiveConfig := func(args ...string) *config.Config {
		saved := filepath.Join(dir, "effective.json")
		args = append([]string{"--save-config", saved}, args...)
		Expect(execute(args...)).To(Succeed())

		cfg, err := config.LoadConfig(saved)
		Expect(err).NotTo(HaveOccurred())

		return cfg
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		program = filepath.Join(dir, "quiesce.elf")
		writeProgram(program, 0xD503201F, 0xD503201F, 0xD503207F)

		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
	})

	It("should require a program", func() {
		Expect(execute()).NotTo(Succeed())
	})

	It("should run a program to completion", func() {
		Expect(execute(program)).To(Succeed())
		Expect(stderr.String()).To(ContainSubstring("simulation started"))
	})

	It("should give every program its own thread and share fetch "+
		"round-robin", func() {
		cfg := effectiveConfig(program, program)

		Expect(cfg.NumThreads).To(Equal(2))
		Expect(cfg.SMTFetchPolicy).To(Equal("RoundRobin"))
	})

	It("should apply flags over the config file", func() {
		file := config.DefaultConfig()
		file.NumThreads = 4
		file.SMTFetchPolicy = "LSQCount"
		file.ICacheMissLatency = 30
		path := filepath.Join(dir, "core.json")
		Expect(file.SaveConfig(path)).To(Succeed())

		cfg := effectiveConfig("--config", path, "--policy", "iq",
			"--fetching-threads", "2", "--fetch-width", "16", program)

		Expect(cfg.NumThreads).To(Equal(4))
		Expect(cfg.NumFetchingThreads).To(Equal(2))
		Expect(cfg.SMTFetchPolicy).To(Equal("iq"))
		Expect(cfg.FetchWidth).To(Equal(16))
		Expect(cfg.FetchQueueSize).To(Equal(32))
		Expect(cfg.ICacheMissLatency).To(Equal(30))
	})

	It("should reject an unknown policy before simulating", func() {
		err := execute("--policy", "lottery", program)

		Expect(err).To(MatchError(fetch.ErrUnknownPolicy))
	})

	It("should report a fatal fetch fault", func() {
		empty := filepath.Join(dir, "empty.elf")
		writeProgram(empty)

		err := execute("--full-system=false", empty)

		Expect(err).To(MatchError(fetch.ErrFatalFault))
	})

	It("should fail on a missing program", func() {
		err := execute(filepath.Join(dir, "absent.elf"))

		Expect(err).To(MatchError(ContainSubstring("failed to open")))
	})

	Describe("report", func() {
		It("should print the statistics of every component", func() {
			cfg := config.DefaultConfig()
			cfg.QuiesceWakeCycles = 0
			c, err := core.New("Core", sim.NewSerialEngine(), cfg,
				emu.NewMemory(), core.WithLogger(slog.New(slog.DiscardHandler)))
			Expect(err).NotTo(HaveOccurred())
			prog := loader.FromWords(0x400000, 0xD503201F, 0xD503207F)
			Expect(prog.Install(0, c.MMU(), c.Memory())).To(Succeed())
			c.StartThread(0, prog.EntryPoint)
			Expect(c.Run()).To(Succeed())

			out := &bytes.Buffer{}
			report(out, c)

			Expect(out.String()).To(MatchRegexp(`core\.committed\s+2\n`))
			Expect(out.String()).To(MatchRegexp(`fetch\.insts\s+2\n`))
			Expect(out.String()).To(ContainSubstring("fetch.insts_per_cycle::8"))
			Expect(out.String()).To(ContainSubstring("icache.hit_rate"))
			Expect(out.String()).To(ContainSubstring("bpred.accuracy"))
			Expect(out.String()).To(ContainSubstring("mmu.faults"))
		})
	})
})
