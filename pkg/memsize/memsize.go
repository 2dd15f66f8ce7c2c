// Package memsize parses and formats the memory-size strings used by
// descriptor configuration and ecosystem config files.
// The two contexts accept deliberately different grammars, so each gets
// its own entry point; both are hand-rolled because no third-party parser
// in the pack matches either grammar exactly (github.com/dustin/go-humanize's
// ParseBytes is more permissive than both: it accepts fractional values
// like "1.5G" and IEC suffixes like "Mi" that the top-level design notes explicitly rejects,
// and has no strict/ecosystem distinction). go-humanize is still used here,
// for formatting bytes back into a human string for info/list consumers,
// where its leniency is irrelevant.
package memsize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseStrict parses the descriptor-level grammar: a bare
// integer byte count, or an integer followed by exactly one of
// "B", "K", "M", "G" (case-sensitive, single letter only). Fractional
// values and any other suffix (including IEC forms like "Mi", or
// double-letter forms like "MB") are rejected.
func ParseStrict(s string) (int64, error) {
	return parse(s, false)
}

// ParseEcosystem parses the looser grammar accepted by ecosystem config
// files: a bare integer byte count, or an integer followed by
// one of "K", "KB", "M", "MB", "G", "GB". Double-letter forms with any
// other trailing characters are rejected.
func ParseEcosystem(s string) (int64, error) {
	return parse(s, true)
}

func parse(s string, allowDoubleLetter bool) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("memsize: empty string")
	}

	// Bare integer: all digits.
	if isAllDigits(trimmed) {
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memsize: %q: %w", s, err)
		}
		return n, nil
	}

	digitEnd := 0
	for digitEnd < len(trimmed) && trimmed[digitEnd] >= '0' && trimmed[digitEnd] <= '9' {
		digitEnd++
	}
	if digitEnd == 0 {
		return 0, fmt.Errorf("memsize: %q: does not start with a digit", s)
	}
	numPart := trimmed[:digitEnd]
	suffix := trimmed[digitEnd:]

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memsize: %q: %w", s, err)
	}

	mult, ok := suffixMultiplier(suffix, allowDoubleLetter)
	if !ok {
		return 0, fmt.Errorf("memsize: %q: unrecognized suffix %q", s, suffix)
	}
	return n * mult, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func suffixMultiplier(suffix string, allowDoubleLetter bool) (int64, bool) {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch suffix {
	case "B":
		return 1, true
	case "K":
		return kb, true
	case "M":
		return mb, true
	case "G":
		return gb, true
	}
	if !allowDoubleLetter {
		return 0, false
	}
	switch suffix {
	case "KB":
		return kb, true
	case "MB":
		return mb, true
	case "GB":
		return gb, true
	}
	return 0, false
}

// Format renders a byte count as a human-readable string for display to
// info/list consumers (e.g. "512 MB"). This direction tolerates
// go-humanize's base-1000/1024 rounding since it is presentation only,
// never round-tripped back through Parse*.
func Format(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}
