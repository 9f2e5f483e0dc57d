// Command scanflow runs one scanning job against a live process and prints
// its result, the same single-purpose shape as the teacher's cmd/dis68:
// parse flags, call one library entry point, print the result, exit.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/disasm"
	"github.com/Urethramancer/scanflow/internal/pointermap"
	"github.com/Urethramancer/scanflow/internal/sigmaker"
	"github.com/Urethramancer/scanflow/internal/valuescan"
	"github.com/Urethramancer/scanflow/memaccess"
	"github.com/Urethramancer/scanflow/memaccess/procfs"
)

func main() {
	var (
		pid        = flag.Int("pid", 0, "target process id")
		mode       = flag.String("mode", "", "value | pointermap | disasm | sigmaker")
		pattern    = flag.String("pattern", "", "hex-encoded byte pattern (value mode)")
		target     = flag.String("target", "", "hex address (pointermap/sigmaker modes)")
		addrSize   = flag.Int("addrsize", 8, "pointer width in bytes (pointermap mode)")
		lrange     = flag.Uint64("lrange", 0, "lower offset range (pointermap mode, 0 = config default)")
		urange     = flag.Uint64("urange", 0, "upper offset range (pointermap mode, 0 = config default)")
		depth      = flag.Int("depth", 0, "max chain depth (pointermap mode, 0 = config default)")
		arch       = flag.String("arch", "x86_64", "x86 | x86_64")
		configPath = flag.String("config", "", "optional TOML config overriding the default tunables")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("scanflow: loading config")
		}
		cfg = loaded
	}

	if *pid == 0 || *mode == "" {
		flag.Usage()
		os.Exit(2)
	}

	var procArch memaccess.Arch
	switch *arch {
	case "x86":
		procArch = memaccess.ArchX86
	case "x86_64":
		procArch = memaccess.ArchX86_64
	default:
		logrus.WithField("arch", *arch).Fatal("scanflow: unknown architecture")
	}

	proc, err := procfs.Open(*pid, procArch)
	if err != nil {
		logrus.WithError(err).Fatal("scanflow: opening target process")
	}

	ctx := context.Background()

	switch *mode {
	case "value":
		runValueScan(ctx, proc, cfg, *pattern)
	case "pointermap":
		runPointerMap(ctx, proc, cfg, *target, *addrSize, *lrange, *urange, *depth)
	case "disasm":
		runDisasm(ctx, proc, cfg)
	case "sigmaker":
		runSigmaker(ctx, proc, cfg, *target)
	default:
		logrus.WithField("mode", *mode).Fatal("scanflow: unknown mode")
	}
}

func parsePattern(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		logrus.WithError(err).Fatal("scanflow: invalid hex pattern")
	}
	return b
}

func parseAddr(s string) addr.Address {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		logrus.WithError(err).Fatal("scanflow: invalid hex address")
	}
	return addr.Address(v)
}

func runValueScan(ctx context.Context, proc memaccess.Handle, cfg config.Config, pattern string) {
	if pattern == "" {
		logrus.Fatal("scanflow: -pattern is required in value mode")
	}
	s := valuescan.New(cfg.ValueScan, cfg.ProgressBar)
	if err := s.ScanFor(ctx, proc, parsePattern(pattern)); err != nil {
		logrus.WithError(err).Fatal("scanflow: value scan")
	}
	for _, a := range s.Matches() {
		fmt.Println(a)
	}
	fmt.Fprintf(os.Stderr, "%d matches\n", len(s.Matches()))
}

func runPointerMap(ctx context.Context, proc memaccess.Handle, cfg config.Config, target string, addrSize int, lrange, urange uint64, depth int) {
	if target == "" {
		logrus.Fatal("scanflow: -target is required in pointermap mode")
	}
	if lrange == 0 {
		lrange = cfg.PointerMap.DefaultLRange
	}
	if urange == 0 {
		urange = cfg.PointerMap.DefaultURange
	}
	if depth == 0 {
		depth = cfg.PointerMap.DefaultDepth
	}

	m := pointermap.New(cfg.PointerMap, cfg.ProgressBar)
	if err := m.CreateMap(ctx, proc, addrSize); err != nil {
		logrus.WithError(err).Fatal("scanflow: building pointer map")
	}

	chains := m.FindMatches(ctx, pointermap.Range{LRange: lrange, URange: urange}, depth, []addr.Address{parseAddr(target)})
	for _, c := range chains {
		fmt.Printf("target=%s", c.Target)
		for _, step := range c.Steps {
			fmt.Printf(" -> %s+%d", step.Addr, step.Offset)
		}
		fmt.Println()
	}
	fmt.Fprintf(os.Stderr, "%d chains\n", len(chains))
}

func runDisasm(ctx context.Context, proc memaccess.Handle, cfg config.Config) {
	idx := disasm.New(cfg.Disasm, cfg.ProgressBar)
	if err := idx.CollectGlobals(ctx, proc); err != nil {
		logrus.WithError(err).Fatal("scanflow: collecting globals")
	}
	for _, g := range idx.Globals() {
		sources, _ := idx.InverseMap().Get(g)
		fmt.Printf("%s referenced by %d instruction(s)\n", g, len(sources))
	}
}

func runSigmaker(ctx context.Context, proc memaccess.Handle, cfg config.Config, target string) {
	if target == "" {
		logrus.Fatal("scanflow: -target is required in sigmaker mode")
	}
	idx := disasm.New(cfg.Disasm, cfg.ProgressBar)
	if err := idx.CollectGlobals(ctx, proc); err != nil {
		logrus.WithError(err).Fatal("scanflow: collecting globals")
	}

	m := sigmaker.New(cfg.Sigmaker)
	sigs, err := m.FindSigs(ctx, proc, idx, parseAddr(target))
	if err != nil {
		logrus.WithError(err).Fatal("scanflow: finding signatures")
	}
	if len(sigs) == 0 {
		fmt.Fprintln(os.Stderr, "no unique signature found")
		return
	}
	for _, sig := range sigs {
		fmt.Println(sig)
	}
}
