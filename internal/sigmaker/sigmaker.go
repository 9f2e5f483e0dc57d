// Package sigmaker implements the Signature Maker (spec.md §4.5, C5):
// byte-and-mask code signatures grown instruction-by-instruction from every
// candidate reference site until a signature is unique across the
// enclosing module's code sections.
package sigmaker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/disasm"
	"github.com/Urethramancer/scanflow/internal/scanerr"
	"github.com/Urethramancer/scanflow/internal/workerpool"
	"github.com/Urethramancer/scanflow/memaccess"
)

// Maker holds the sigmaker's tunables (spec.md §4.5's 128-byte buffer cap
// and 4 KiB/127-byte uniqueness sweep window).
type Maker struct {
	cfg config.SigmakerConfig
}

// New creates a Maker using cfg's tunables.
func New(cfg config.SigmakerConfig) *Maker {
	return &Maker{cfg: cfg}
}

// sigstate is one candidate reference site's growing byte-and-mask
// signature: spec.md §3's Sigstate, tracking the raw bytes captured at
// startIP, how many of them have been consumed by decoded instructions so
// far, and a same-length mask where 0xFF means "match exactly" and 0x00
// means "wildcard".
type sigstate struct {
	startIP    addr.Address
	buf        []byte
	decodedLen int
	mask       []byte
	dead       bool
}

// extend decodes one more instruction from buf[decodedLen:], extending
// mask by its length and applying the masking rules from spec.md §4.5. It
// returns false (and marks the state dead) once the buffer is exhausted or
// decode fails.
func (s *sigstate) extend(mode int) bool {
	if s.dead || s.decodedLen >= len(s.buf) {
		s.dead = true
		return false
	}
	inst, err := x86asm.Decode(s.buf[s.decodedLen:], mode)
	if err != nil || inst.Len == 0 || s.decodedLen+inst.Len > len(s.buf) {
		s.dead = true
		return false
	}

	instMask := make([]byte, inst.Len)
	for i := range instMask {
		instMask[i] = 0xFF
	}
	applyMaskingRules(instMask, inst)
	s.mask = append(s.mask, instMask...)
	s.decodedLen += inst.Len
	return true
}

// applyMaskingRules wildcards instMask in place per spec.md §4.5: a
// RIP/EIP-relative memory displacement is fully wildcarded (it encodes a
// rebuild-specific absolute offset); a near/far branch's immediate is
// wildcarded beyond its first byte, which is kept to preserve the
// short/long encoding distinction.
//
// Segment-relative and base-less absolute addressing (the ES/CS/SS/DS/FS/GS
// and "no base" forms spec.md §4.5 also names) are not wildcarded here:
// x86asm's public API exposes a raw displacement's byte offset only for
// the PC-relative case (via Inst.PCRel/PCRelOff), so locating those other
// forms' displacement bytes is left undone. See DESIGN.md.
func applyMaskingRules(instMask []byte, inst x86asm.Inst) {
	if inst.PCRel == 0 {
		return
	}
	isRIPMem := false
	for _, a := range inst.Args {
		if mem, ok := a.(x86asm.Mem); ok && (mem.Base == x86asm.EIP || mem.Base == x86asm.RIP) {
			isRIPMem = true
		}
	}

	lo, hi := inst.PCRelOff, inst.PCRelOff+inst.PCRel
	switch {
	case isRIPMem:
		for i := lo; i < hi && i < len(instMask); i++ {
			instMask[i] = 0x00
		}
	case isBranch(inst.Op) && inst.PCRel > 1:
		for i := lo + 1; i < hi && i < len(instMask); i++ {
			instMask[i] = 0x00
		}
	}
}

func isBranch(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.JMPF, x86asm.CALL, x86asm.CALLF,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// Format renders bytes masked by mask in spec.md §6's signature string
// format: uppercase hex pairs separated by single spaces, with masked-out
// bytes (mask byte 0x00) rendered as a literal "?".
func Format(buf, mask []byte) string {
	parts := make([]string, len(mask))
	for i, m := range mask {
		if m == 0x00 {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprintf("%02X", buf[i])
		}
	}
	return strings.Join(parts, " ")
}

// FindSigs implements spec.md §4.5's algorithm: collect every instruction
// address referencing target in idx, locate the module containing target
// and its code sections, then grow each candidate's signature one
// instruction at a time until some candidate's (bytes, mask) is unique
// across those sections, or none can grow further.
func (m *Maker) FindSigs(ctx context.Context, proc memaccess.Handle, idx *disasm.Index, target addr.Address) ([]string, error) {
	candidates, ok := idx.InverseMap().Get(target)
	if !ok || len(candidates) == 0 {
		return nil, scanerr.New(scanerr.InvalidArgument, "sigmaker.FindSigs: target not referenced in disassembler index")
	}

	info, err := proc.Info(ctx)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.MemoryFatal, "sigmaker.FindSigs: Info", err)
	}
	mode := info.ProcArch.Bits()
	if mode == 0 {
		return nil, scanerr.New(scanerr.InvalidArgument, "sigmaker.FindSigs: unknown architecture")
	}

	sections := codeSectionsForAddress(idx, target)
	if len(sections) == 0 {
		return nil, scanerr.New(scanerr.ModuleNotFound, "sigmaker.FindSigs: no module found containing target")
	}

	states := make([]*sigstate, len(candidates))
	for i, ip := range candidates {
		buf := make([]byte, m.cfg.MaxSigLength)
		if err := proc.ReadRawInto(ctx, ip, buf); err != nil {
			if scanerr.IsData(err) {
				states[i] = &sigstate{startIP: ip, dead: true}
				continue
			}
			return nil, scanerr.Wrap(scanerr.MemoryFatal, "sigmaker.FindSigs: ReadRawInto", err)
		}
		states[i] = &sigstate{startIP: ip, buf: buf}
	}

	logrus.WithField("candidates", len(states)).WithField("target", target).Info("sigmaker: growing signatures")

	handles := workerpool.NewHandlePool(proc)
	for {
		var active []*sigstate
		for _, s := range states {
			if s.extend(mode) {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			return nil, nil
		}

		var mu sync.Mutex
		var winners []string
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range active {
			s := s
			g.Go(func() error {
				worker := handles.Get()
				defer handles.Put(worker)
				unique, err := isUnique(gctx, worker, sections, s, m.cfg)
				if err != nil {
					return err
				}
				if unique {
					mu.Lock()
					winners = append(winners, Format(s.buf[:s.decodedLen], s.mask))
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if len(winners) > 0 {
			return winners, nil
		}
	}
}

// codeSectionsForAddress finds the module containing addr (by whole-module
// range, since the referenced global need not itself be executable code)
// and returns that module's code-section ranges from idx.
func codeSectionsForAddress(idx *disasm.Index, a addr.Address) []disasm.CodeSection {
	var module *memaccess.Module
	for _, s := range idx.CodeSections() {
		base := s.Module.Base
		end := base.Add(addr.SignedOffset(s.Module.Size))
		if a >= base && a < end {
			m := s.Module
			module = &m
			break
		}
	}
	if module == nil {
		return nil
	}

	var out []disasm.CodeSection
	for _, s := range idx.CodeSections() {
		if s.Module.Name == module.Name {
			out = append(out, s)
		}
	}
	return out
}

// isUnique implements the uniqueness sweep from spec.md §4.5: scan
// sections in 4 KiB strides with 127-byte overlap, sliding a window the
// length of s.mask, and report true iff the only match found is s itself.
func isUnique(ctx context.Context, worker memaccess.Handle, sections []disasm.CodeSection, s *sigstate, cfg config.SigmakerConfig) (bool, error) {
	want := s.buf[:s.decodedLen]
	mask := s.mask
	winLen := len(mask)

	for _, sec := range sections {
		sectionEnd := sec.Base.Add(addr.SignedOffset(sec.Size))
		for cursor := sec.Base; cursor < sectionEnd; cursor = cursor.Add(addr.SignedOffset(cfg.UniquenessStride)) {
			readLen := cfg.UniquenessStride + cfg.UniquenessOverlap
			if remaining := uint64(sectionEnd - cursor); readLen > remaining {
				readLen = remaining
			}
			if readLen < uint64(winLen) {
				continue
			}
			buf := make([]byte, readLen)
			if err := worker.ReadRawInto(ctx, cursor, buf); err != nil {
				if scanerr.IsData(err) {
					continue
				}
				return false, scanerr.Wrap(scanerr.MemoryFatal, "sigmaker.isUnique: ReadRawInto", err)
			}

			for off := 0; off+winLen <= len(buf); off++ {
				candidate := cursor + addr.Address(off)
				if candidate == s.startIP {
					continue
				}
				if matchesMasked(buf[off:off+winLen], want, mask) {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

func matchesMasked(window, want, mask []byte) bool {
	for i := range mask {
		if window[i]&mask[i] != want[i]&mask[i] {
			return false
		}
	}
	return true
}
