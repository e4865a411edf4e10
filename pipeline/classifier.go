// Package pipeline drives tiered page extraction: method assignment, the
// per-page worker fallback chain, the cleaning state machine, and the
// round-based orchestrator with progress persistence.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/extractmd/config"
)

// Method selects the extraction strategy for a page.
type Method string

const (
	// MethodText uses the embedded text layer only.
	MethodText Method = "text"
	// MethodOCR rasterizes and runs local OCR.
	MethodOCR Method = "ocr"
	// MethodAI rasterizes and sends the image to the VLM.
	MethodAI Method = "ai"
	// MethodAuto tiers text → local OCR → VLM by quality thresholds.
	MethodAuto Method = "auto"
	// MethodAutoAI tiers text → VLM, skipping local OCR.
	MethodAutoAI Method = "auto_ai"
)

// ParseMethod validates a method name from config or CLI.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodText, MethodOCR, MethodAI, MethodAuto, MethodAutoAI:
		return m, nil
	}
	return "", fmt.Errorf("unknown method %q (want text|ocr|ai|auto|auto_ai)", s)
}

// ParsePageSpec parses a 1-based inclusive page-range spec like "1-5,9,20-"
// into a set of 0-based indexes bounded by total. "all" selects every page.
func ParsePageSpec(spec string, total int) (map[int]bool, error) {
	pages := make(map[int]bool)
	spec = strings.TrimSpace(spec)
	if strings.EqualFold(spec, "all") {
		for i := 0; i < total; i++ {
			pages[i] = true
		}
		return pages, nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parseRange(part, total)
		if err != nil {
			return nil, err
		}
		for i := lo; i <= hi && i < total; i++ {
			if i >= 0 {
				pages[i] = true
			}
		}
	}
	return pages, nil
}

// parseRange parses "9", "1-5" or "20-" into 0-based inclusive bounds.
func parseRange(part string, total int) (int, int, error) {
	if !strings.Contains(part, "-") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("bad page %q", part)
		}
		return n - 1, n - 1, nil
	}
	lohi := strings.SplitN(part, "-", 2)
	lo, err := strconv.Atoi(strings.TrimSpace(lohi[0]))
	if err != nil || lo < 1 {
		return 0, 0, fmt.Errorf("bad range %q", part)
	}
	hiStr := strings.TrimSpace(lohi[1])
	if hiStr == "" {
		// Open range runs to the last page.
		return lo - 1, total - 1, nil
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil || hi < lo {
		return 0, 0, fmt.Errorf("bad range %q", part)
	}
	return lo - 1, hi - 1, nil
}

// Assign produces the per-page method assignment: the default method for
// every page, then overrides applied in listed order so later entries win
// on overlap.
func Assign(total int, def Method, overrides []config.PageOverride) ([]Method, error) {
	methods := make([]Method, total)
	for i := range methods {
		methods[i] = def
	}
	for _, ov := range overrides {
		m, err := ParseMethod(ov.Method)
		if err != nil {
			return nil, fmt.Errorf("override %q: %w", ov.Pages, err)
		}
		pages, err := ParsePageSpec(ov.Pages, total)
		if err != nil {
			return nil, err
		}
		for i := range pages {
			methods[i] = m
		}
	}
	return methods, nil
}
