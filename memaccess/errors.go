package memaccess

import "github.com/Urethramancer/scanflow/internal/scanerr"

// ErrModulesUnavailable is returned by ModuleList/ModuleSectionList on a
// "view" backend (spec.md §6) that only exposes raw memory: no module list
// or section headers are available, so the Disassembler Index and
// Signature Maker are not offered against it.
var ErrModulesUnavailable = scanerr.New(scanerr.InvalidArgument, "memaccess: modules unavailable in view-only backend")
