// Package chunker splits packet text into embeddable units.
package chunker

import (
	"strings"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
)

// Options configures unit sizing.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns default sizing options.
func DefaultOptions() Options {
	return Options{TargetSize: DefaultTargetSize, MaxSize: DefaultMaxSize}
}

// Unit is one embeddable chunk of text with its position in the source.
type Unit struct {
	Seq  int
	Text string
}

// Split breaks text into embeddable units. Short text (<= MaxSize) yields a
// single unit. Longer text is split on paragraph boundaries, merging small
// paragraphs up to TargetSize and hard-splitting oversized ones.
func Split(text string, opts Options) []Unit {
	if opts.TargetSize == 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []Unit{{Seq: 0, Text: text}}
	}

	var parts []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) > opts.MaxSize {
			parts = append(parts, hardSplit(p, opts.TargetSize)...)
		} else {
			parts = append(parts, p)
		}
	}

	// Merge adjacent small parts up to the target size.
	var merged []string
	var accum string
	for _, p := range parts {
		if accum == "" {
			accum = p
			continue
		}
		if len(accum)+len(p)+2 <= opts.TargetSize {
			accum += "\n\n" + p
		} else {
			merged = append(merged, accum)
			accum = p
		}
	}
	if accum != "" {
		merged = append(merged, accum)
	}

	units := make([]Unit, 0, len(merged))
	for i, m := range merged {
		units = append(units, Unit{Seq: i, Text: m})
	}
	return units
}

// hardSplit breaks an oversized paragraph on word boundaries.
func hardSplit(text string, target int) []string {
	words := strings.Fields(text)
	var parts []string
	var current []string
	curLen := 0

	for _, w := range words {
		if curLen+len(w)+1 > target && len(current) > 0 {
			parts = append(parts, strings.Join(current, " "))
			current = nil
			curLen = 0
		}
		current = append(current, w)
		curLen += len(w) + 1
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	return parts
}
