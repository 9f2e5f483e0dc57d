// Package config holds the tunables the scanning engines otherwise treat
// as literal constants in spec.md (the 16 MiB region-coalescing gap, the
// 4 KiB/2 MiB stride sizes, the 256-address refinement chunk, the 128-byte
// signature buffer). Defaults match spec.md exactly; a TOML file can
// override them for a session without touching code.
package config

import (
	"github.com/BurntSushi/toml"
)

// Config is the full set of session tunables.
type Config struct {
	// ValueScan holds internal/valuescan's tunables.
	ValueScan ValueScanConfig `toml:"value_scan"`
	// PointerMap holds internal/pointermap's tunables.
	PointerMap PointerMapConfig `toml:"pointer_map"`
	// Disasm holds internal/disasm's tunables.
	Disasm DisasmConfig `toml:"disasm"`
	// Sigmaker holds internal/sigmaker's tunables.
	Sigmaker SigmakerConfig `toml:"sigmaker"`
	// ProgressBar enables the real terminal progress bar (internal/pbar);
	// off by default so library use in tests/services stays silent.
	ProgressBar bool `toml:"progress_bar"`
}

type ValueScanConfig struct {
	// StrideBytes is the window each initial-sweep worker reads at once.
	StrideBytes uint64 `toml:"stride_bytes"`
	// CoalesceGapBytes is the maximum gap between mapped ranges that gets
	// merged into a single scanned range.
	CoalesceGapBytes uint64 `toml:"coalesce_gap_bytes"`
	// RefinementChunk is how many existing matches are batched per
	// refinement read.
	RefinementChunk int `toml:"refinement_chunk"`
}

type PointerMapConfig struct {
	StrideBytes      uint64 `toml:"stride_bytes"`
	CoalesceGapBytes uint64 `toml:"coalesce_gap_bytes"`
	// DefaultLRange and DefaultURange are the default (lrange, urange) the
	// CLI offers; the library itself takes these as explicit FindMatches
	// arguments.
	DefaultLRange uint64 `toml:"default_lrange"`
	DefaultURange uint64 `toml:"default_urange"`
	DefaultDepth  int    `toml:"default_depth"`
}

type DisasmConfig struct {
	// StrideBytes is 2 MiB per spec.md §4.4.
	StrideBytes uint64 `toml:"stride_bytes"`
	// OverlapBytes is the 32-byte trailing overlap appended to each
	// stride read so boundary-straddling instructions decode cleanly.
	OverlapBytes uint64 `toml:"overlap_bytes"`
}

type SigmakerConfig struct {
	// MaxSigLength is the 128-byte cap on signature length (spec.md §4.5).
	MaxSigLength int `toml:"max_sig_length"`
	// UniquenessStride/Overlap describe the 4 KiB/127-byte uniqueness
	// sweep window.
	UniquenessStride  uint64 `toml:"uniqueness_stride"`
	UniquenessOverlap uint64 `toml:"uniqueness_overlap"`
}

// Default returns the tunables spec.md's literal constants describe.
func Default() Config {
	return Config{
		ValueScan: ValueScanConfig{
			StrideBytes:      4 << 10,
			CoalesceGapBytes: 16 << 20,
			RefinementChunk:  256,
		},
		PointerMap: PointerMapConfig{
			StrideBytes:      4 << 10,
			CoalesceGapBytes: 16 << 20,
			DefaultLRange:    0x1000,
			DefaultURange:    0x1000,
			DefaultDepth:     3,
		},
		Disasm: DisasmConfig{
			StrideBytes:  2 << 20,
			OverlapBytes: 32,
		},
		Sigmaker: SigmakerConfig{
			MaxSigLength:      128,
			UniquenessStride:  4 << 10,
			UniquenessOverlap: 127,
		},
		ProgressBar: false,
	}
}

// Load reads a TOML config file at path, starting from Default and
// overriding only the fields present in the file.
func Load(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
