package vcs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ConflictMarker opens a conflicted hunk in a merged file
const ConflictMarker = "<<<<<<<"

var (
	markerOpen  = []byte(ConflictMarker)
	markerSplit = []byte("=======")
	markerClose = []byte(">>>>>>>")
)

// HasConflictMarkers reports whether r contains a complete conflict hunk:
// an opening marker at the start of a line followed later by a separator
// and a closing marker. Lines of any length are accepted; only the start
// of each line is inspected.
func HasConflictMarkers(r io.Reader) (bool, error) {
	br := bufio.NewReader(r)

	state := 0
	lineStart := true
	for {
		fragment, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		// Continuations of a long line never hold a marker
		if lineStart {
			switch {
			case state == 0 && bytes.HasPrefix(fragment, markerOpen):
				state = 1
			case state == 1 && bytes.HasPrefix(fragment, markerSplit):
				state = 2
			case state == 2 && bytes.HasPrefix(fragment, markerClose):
				return true, nil
			}
		}
		lineStart = !isPrefix
	}
}

// ScanConflictMarkers checks each repository-relative path under root and
// returns the sorted subset holding conflict markers. Missing files are
// skipped.
func ScanConflictMarkers(root string, paths []string) (ConflictSet, error) {
	var found ConflictSet
	for _, rel := range paths {
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to open %s: %w", rel, err)
		}
		ok, err := HasConflictMarkers(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", rel, err)
		}
		if ok {
			found = append(found, rel)
		}
	}
	sort.Strings(found)
	return found, nil
}

// MergeConflictSets returns the sorted union of the given sets
func MergeConflictSets(sets ...ConflictSet) ConflictSet {
	seen := make(map[string]bool)
	var out ConflictSet
	for _, set := range sets {
		for _, p := range set {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
