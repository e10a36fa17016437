package record

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadRunList reads one run id per line. Blank lines and lines starting
// with # are ignored. Ids are returned unparsed so a malformed line fails
// only its own record.
func ReadRunList(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run list: %w", err)
	}
	return ids, nil
}

// LoadRunList reads a run list file
func LoadRunList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run list %s: %w", path, err)
	}
	defer f.Close()

	return ReadRunList(f)
}

// GroupKey returns the identifier a raw run id belongs to. Ids that do
// not parse are grouped under their text before the first dash so they
// still land in a group and fail individually.
func GroupKey(raw string) string {
	if id, err := ParseRunID(raw); err == nil {
		return id.Identifier
	}
	key, _, _ := strings.Cut(strings.TrimSpace(raw), "-")
	return key
}
