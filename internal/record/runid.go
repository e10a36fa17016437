package record

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Alphas is the step alphabet; a step's increment is its index here
const Alphas = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ErrMalformed marks a record or run id that cannot be interpreted
var ErrMalformed = errors.New("malformed record")

// runIDPattern matches identifier-aliquot[step]. The identifier is greedy
// so special identifiers containing dashes (c-01-j) keep them.
var runIDPattern = regexp.MustCompile(`^(?P<identifier>[A-Za-z0-9][A-Za-z0-9_.-]*)-(?P<aliquot>\d+)(?P<step>[A-Z]?)$`)

// identifierAliases maps legacy numeric identifiers onto their current names
var identifierAliases = map[string]string{
	"4358": "c-01-o",
	"4359": "c-01-j",
}

// RunID is the logical key of one analysis
type RunID struct {
	Identifier string
	Aliquot    int
	Step       string
}

// ParseRunID parses "identifier-aliquot[step]" or "identifier,aliquot[,step]"
func ParseRunID(s string) (RunID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RunID{}, fmt.Errorf("empty run id: %w", ErrMalformed)
	}

	if strings.Contains(s, ",") {
		return parseCommaRunID(s)
	}

	m := runIDPattern.FindStringSubmatch(s)
	if m == nil {
		return RunID{}, fmt.Errorf("invalid run id %q: %w", s, ErrMalformed)
	}

	aliquot, err := strconv.Atoi(m[runIDPattern.SubexpIndex("aliquot")])
	if err != nil {
		return RunID{}, fmt.Errorf("invalid aliquot in %q: %w", s, ErrMalformed)
	}

	return newRunID(m[runIDPattern.SubexpIndex("identifier")], aliquot, m[runIDPattern.SubexpIndex("step")]), nil
}

// parseCommaRunID handles the legacy "19220,01[,A]" form
func parseCommaRunID(s string) (RunID, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return RunID{}, fmt.Errorf("invalid run id %q: %w", s, ErrMalformed)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	aliquot, err := strconv.Atoi(parts[1])
	if err != nil || parts[0] == "" {
		return RunID{}, fmt.Errorf("invalid run id %q: %w", s, ErrMalformed)
	}

	step := ""
	if len(parts) == 3 {
		step = parts[2]
		if len(step) != 1 || !strings.Contains(Alphas, step) {
			return RunID{}, fmt.Errorf("invalid step %q in %q: %w", step, s, ErrMalformed)
		}
	}

	return newRunID(parts[0], aliquot, step), nil
}

func newRunID(identifier string, aliquot int, step string) RunID {
	if alias, ok := identifierAliases[identifier]; ok {
		identifier = alias
	}
	return RunID{Identifier: identifier, Aliquot: aliquot, Step: step}
}

// String renders the canonical form, aliquot zero-padded to two digits
func (r RunID) String() string {
	return fmt.Sprintf("%s-%02d%s", r.Identifier, r.Aliquot, r.Step)
}

// Increment returns the step index in Alphas, or -1 without a step
func (r RunID) Increment() int {
	if r.Step == "" {
		return -1
	}
	return strings.Index(Alphas, r.Step)
}

// Filename returns the canonical artifact file name
func (r RunID) Filename() string {
	return r.String() + ".yaml"
}

// StepForIncrement is the inverse of Increment
func StepForIncrement(inc int) string {
	if inc < 0 || inc >= len(Alphas) {
		return ""
	}
	return string(Alphas[inc])
}

// analysisTypes maps special identifier prefixes onto analysis types
var analysisTypes = map[string]string{
	"a":  "air",
	"ba": "blank_air",
	"bc": "blank_cocktail",
	"bg": "background",
	"bu": "blank_unknown",
	"c":  "cocktail",
	"dg": "degas",
}

// AnalysisType derives the analysis type from an identifier. Numeric
// identifiers are unknowns; special ones carry their type in the prefix.
func AnalysisType(identifier string) string {
	prefix, _, found := strings.Cut(identifier, "-")
	if !found {
		return "unknown"
	}
	if t, ok := analysisTypes[strings.ToLower(prefix)]; ok {
		return t
	}
	return "unknown"
}
