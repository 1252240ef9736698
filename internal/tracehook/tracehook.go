// Package tracehook implements a per-connection trace handle: a bitmask
// of subsystems a caller wants logged, checked before every call instead
// of a single global verbosity knob.
//
// Grounded on the teacher's subsystem-prefixed log.Printf convention
// (e.g. internal/lua/engine.go's "LUA: ..." lines); generalized from one
// global log level into a per-Hook bitmask per the redesign away from a
// process-wide trace setting.
package tracehook

import (
	"fmt"
	"log"
	"os"
)

// Category identifies one trace subsystem. Values are bit positions, not
// sequential codes, so a caller can OR several together into a Mask.
type Category uint32

const (
	CatVideo Category = 1 << iota
	CatAudio
	CatSystem
	CatEvent
	CatTransfer
	CatDebug
	CatMissing
	CatAlloc
	CatCrypto
	CatVideoDetail
	CatBinaryTransfer
	CatSecurity
	CatDirectory
)

var categoryNames = map[Category]string{
	CatVideo:          "video",
	CatAudio:          "audio",
	CatSystem:         "system",
	CatEvent:          "event",
	CatTransfer:       "transfer",
	CatDebug:          "debug",
	CatMissing:        "missing",
	CatAlloc:          "alloc",
	CatCrypto:         "crypto",
	CatVideoDetail:    "video-detail",
	CatBinaryTransfer: "btransfer",
	CatSecurity:       "security",
	CatDirectory:      "directory",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// Mask is a set of Categories, built by ORing bit values together.
type Mask uint32

// Enabled reports whether every bit of c is present in m.
func (m Mask) Enabled(c Category) bool {
	return Mask(c)&m == Mask(c)
}

// Hook is a connection-scoped trace handle: a mask plus a connection tag
// prefixed onto every emitted line, so logs from concurrent connections
// stay distinguishable without per-call string formatting at call sites
// that don't care.
type Hook struct {
	mask *log.Logger
	set  Mask
	tag  string
}

// New builds a Hook that writes to os.Stderr, tagging every line with tag
// (typically a short connection or peer identifier) and filtering by mask.
func New(tag string, mask Mask) *Hook {
	return &Hook{
		mask: log.New(os.Stderr, "", log.LstdFlags),
		set:  mask,
		tag:  tag,
	}
}

// Trace logs format/args under category c if mask enables it; otherwise
// it is a no-op, so callers can trace hot paths without guarding every
// call site with an Enabled check.
func (h *Hook) Trace(c Category, format string, args ...any) {
	if h == nil || !h.set.Enabled(c) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	h.mask.Printf("%s[%s]: %s", h.prefix(), c, msg)
}

// Enabled reports whether category c would currently produce output.
func (h *Hook) Enabled(c Category) bool {
	return h != nil && h.set.Enabled(c)
}

// SetMask replaces the active trace mask, for a connection whose
// verbosity is adjusted after it is already running.
func (h *Hook) SetMask(m Mask) {
	if h != nil {
		h.set = m
	}
}

func (h *Hook) prefix() string {
	if h.tag == "" {
		return ""
	}
	return h.tag + " "
}
