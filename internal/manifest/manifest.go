// Package manifest reads import manifests: TOML files that describe one
// or more export batches so a recurring import can be replayed with a
// single command.
//
//	[defaults]
//	repository = "Irr_NM-290"
//
//	[[batch]]
//	name = "march"
//	runs = ["66573-01", "66573-02A"]
//	runlist = "march.txt"
//
//	[[batch]]
//	name = "jan overnight"
//	since = "2016-03-01"
//	until = "2016-03-02"
//	spectrometers = ["jan"]
//	overwrite = true
package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nmgrl/dvcsync/internal/record"
	"github.com/nmgrl/dvcsync/internal/timeparsing"
)

// ErrInvalid wraps every manifest validation failure
var ErrInvalid = errors.New("invalid manifest")

// Defaults apply to batches that leave a field unset
type Defaults struct {
	Repository string `toml:"repository"`
	Overwrite  bool   `toml:"overwrite"`
}

// Batch is one export request. Either Runs/RunList or Since names the
// records; the two forms cannot be mixed.
type Batch struct {
	Name          string   `toml:"name"`
	Repository    string   `toml:"repository"`
	Runs          []string `toml:"runs"`
	RunList       string   `toml:"runlist"`
	Since         string   `toml:"since"`
	Until         string   `toml:"until"`
	Spectrometers []string `toml:"spectrometers"`
	Overwrite     *bool    `toml:"overwrite"`
}

// Manifest is a parsed manifest file
type Manifest struct {
	Defaults Defaults `toml:"defaults"`
	Batches  []Batch  `toml:"batch"`

	// dir resolves relative runlist paths
	dir string
}

// Job is a batch with defaults applied and every input resolved
type Job struct {
	Name       string
	Repository string
	Overwrite  bool

	// RunIDs is set for explicit batches
	RunIDs []string

	// Low, High and Spectrometers are set for date-range batches
	Low, High     time.Time
	Spectrometers []string
}

// IsRange reports whether the job selects records by date
func (j *Job) IsRange() bool {
	return !j.Low.IsZero()
}

// Load parses the manifest at path. Unknown keys are rejected so a typo
// does not silently widen an import.
func Load(path string) (*Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	m.dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every batch names its records exactly one way
func (m *Manifest) Validate() error {
	if len(m.Batches) == 0 {
		return fmt.Errorf("%w: no [[batch]] entries", ErrInvalid)
	}
	for i, b := range m.Batches {
		label := b.label(i)
		explicit := len(b.Runs) > 0 || b.RunList != ""
		ranged := b.Since != "" || b.Until != ""

		switch {
		case explicit && ranged:
			return fmt.Errorf("%w: batch %s mixes runs with since/until", ErrInvalid, label)
		case !explicit && !ranged:
			return fmt.Errorf("%w: batch %s selects no records", ErrInvalid, label)
		case explicit && len(b.Spectrometers) > 0:
			return fmt.Errorf("%w: batch %s: spectrometers only filter date ranges", ErrInvalid, label)
		}
	}
	return nil
}

func (b *Batch) label(i int) string {
	if b.Name != "" {
		return fmt.Sprintf("%q", b.Name)
	}
	return fmt.Sprintf("#%d", i+1)
}

// Jobs resolves every batch relative to now
func (m *Manifest) Jobs(now time.Time) ([]Job, error) {
	jobs := make([]Job, 0, len(m.Batches))
	for i := range m.Batches {
		job, err := m.resolve(i, now)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (m *Manifest) resolve(i int, now time.Time) (Job, error) {
	b := m.Batches[i]
	job := Job{
		Name:       b.Name,
		Repository: b.Repository,
		Overwrite:  m.Defaults.Overwrite,
	}
	if job.Name == "" {
		job.Name = fmt.Sprintf("batch %d", i+1)
	}
	if job.Repository == "" {
		job.Repository = m.Defaults.Repository
	}
	if b.Overwrite != nil {
		job.Overwrite = *b.Overwrite
	}

	if b.Since != "" || b.Until != "" {
		low, high, err := timeparsing.Range(b.Since, b.Until, now)
		if err != nil {
			return Job{}, fmt.Errorf("batch %s: %w", b.label(i), err)
		}
		job.Low, job.High = low, high
		job.Spectrometers = b.Spectrometers
		return job, nil
	}

	job.RunIDs = append(job.RunIDs, b.Runs...)
	if b.RunList != "" {
		path := b.RunList
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.dir, path)
		}
		ids, err := record.LoadRunList(path)
		if err != nil {
			return Job{}, fmt.Errorf("batch %s: %w", b.label(i), err)
		}
		job.RunIDs = append(job.RunIDs, ids...)
	}
	return job, nil
}
