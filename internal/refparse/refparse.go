// Package refparse decodes the textual output of `git ls-remote --symref`
// into symbolic and resolved reference records, used by the legacy v0/v1
// frontend to synthesize a reference advertisement.
package refparse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const symrefPrefix = "ref: "

// SymRef records that Source is a symbolic name for Target (e.g. HEAD is a
// symref for refs/heads/main).
type SymRef struct {
	Target string
	Source string
}

// ResolvedRef records a concrete object-id to ref-name mapping.
type ResolvedRef struct {
	ObjectID string
	RefName  string
}

// Parse reads newline-terminated, tab-separated `ls-remote --symref` records
// and returns the sym-refs and resolved refs it found, in input order within
// each category.
func Parse(r io.Reader) (syms []SymRef, resolved []ResolvedRef, err error) {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), " \t\r\n")
		if line == "" {
			continue
		}
		left, refName, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, nil, fmt.Errorf("refparse: line %d missing tab separator: %q", lineNo, line)
		}
		if strings.HasPrefix(left, symrefPrefix) {
			syms = append(syms, SymRef{
				Target: strings.TrimPrefix(left, symrefPrefix),
				Source: refName,
			})
			continue
		}
		resolved = append(resolved, ResolvedRef{ObjectID: left, RefName: refName})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("refparse: scan: %w", err)
	}
	return syms, resolved, nil
}
