package record

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CollectionVersion is written into every record
const CollectionVersion = "0.1:0.1"

// Record is the canonical YAML form of one analysis. Field order is the
// order keys appear in the file.
type Record struct {
	// ===== Identity =====
	Identifier        string `yaml:"identifier"`
	UUID              string `yaml:"uuid"`
	Aliquot           int    `yaml:"aliquot"`
	Increment         int    `yaml:"increment"`
	AnalysisType      string `yaml:"analysis_type"`
	CollectionVersion string `yaml:"collection_version"`
	Comment           string `yaml:"comment"`
	RepositoryID      string `yaml:"repository_identifier"`

	// ===== Sample =====
	Irradiation         string  `yaml:"irradiation"`
	IrradiationLevel    string  `yaml:"irradiation_level"`
	IrradiationPosition int     `yaml:"irradiation_position"`
	Project             string  `yaml:"project"`
	Sample              string  `yaml:"sample"`
	Material            string  `yaml:"material"`
	Weight              float64 `yaml:"weight"`

	// ===== Extraction =====
	MassSpectrometer      string     `yaml:"mass_spectrometer"`
	ExtractDevice         string     `yaml:"extract_device"`
	ExtractUnits          string     `yaml:"extract_units"`
	ExtractValue          float64    `yaml:"extract_value"`
	Duration              float64    `yaml:"duration"`
	Cleanup               float64    `yaml:"cleanup"`
	BeamDiameter          float64    `yaml:"beam_diameter"`
	Pattern               string     `yaml:"pattern"`
	Position              []Position `yaml:"position"`
	RampDuration          float64    `yaml:"ramp_duration"`
	RampRate              float64    `yaml:"ramp_rate"`
	QueueConditionalsName string     `yaml:"queue_conditionals_name"`
	Tray                  string     `yaml:"tray"`
	XYZPosition           string     `yaml:"xyz_position"`

	// ===== Run =====
	Timestamp    time.Time `yaml:"timestamp"`
	Username     string    `yaml:"username"`
	Spectrometer string    `yaml:"spectrometer,omitempty"`

	// ===== Data =====
	Detectors map[string]Detector `yaml:"detectors"`
	Isotopes  map[string]Isotope  `yaml:"isotopes"`
}

// Position is one stage position visited during extraction
type Position struct {
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	Z        float64 `yaml:"z"`
	Position int     `yaml:"position"`
	IsDegas  bool    `yaml:"is_degas"`
}

// Value is a measurement with its one-sigma uncertainty
type Value struct {
	Value float64 `yaml:"value"`
	Error float64 `yaml:"error"`
}

// Isotope holds the fitted signal of one isotope
type Isotope struct {
	Fit               string `yaml:"fit"`
	Detector          string `yaml:"detector"`
	Signal            string `yaml:"signal"`
	BaselineCorrected Value  `yaml:"baseline_corrected"`
	RawIntercept      Value  `yaml:"raw_intercept"`
}

// ICFactor is a detector intercalibration factor
type ICFactor struct {
	Fit        string   `yaml:"fit"`
	Value      float64  `yaml:"value"`
	Error      float64  `yaml:"error"`
	References []string `yaml:"references"`
}

// Baseline is a detector baseline measurement
type Baseline struct {
	Signal string  `yaml:"signal"`
	Value  float64 `yaml:"value"`
	Error  float64 `yaml:"error"`
}

// Detector holds per-detector calibration and baseline
type Detector struct {
	ICFactor ICFactor `yaml:"ic_factor"`
	Baseline Baseline `yaml:"baseline"`
}

// DefaultICFactor is assigned to detectors with no intercalibration
func DefaultICFactor() ICFactor {
	return ICFactor{Fit: "default", Value: 1, Error: 0.001, References: []string{}}
}

// RunID returns the record's logical key
func (r *Record) RunID() RunID {
	return RunID{Identifier: r.Identifier, Aliquot: r.Aliquot, Step: StepForIncrement(r.Increment)}
}

// Validate checks that required fields are present and consistent
func (r *Record) Validate() error {
	if r.Identifier == "" {
		return fmt.Errorf("identifier is required: %w", ErrMalformed)
	}
	if r.UUID == "" {
		return fmt.Errorf("uuid is required: %w", ErrMalformed)
	}
	if r.Aliquot < 0 {
		return fmt.Errorf("aliquot must be non-negative, got %d: %w", r.Aliquot, ErrMalformed)
	}
	if r.Increment < -1 || r.Increment >= len(Alphas) {
		return fmt.Errorf("increment out of range, got %d: %w", r.Increment, ErrMalformed)
	}
	if r.MassSpectrometer == "" {
		return fmt.Errorf("mass_spectrometer is required: %w", ErrMalformed)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required: %w", ErrMalformed)
	}
	return nil
}

// Filename returns the artifact file name for this record
func (r *Record) Filename() string {
	return r.RunID().Filename()
}

// Marshal renders the record as YAML. The output depends only on the
// record's content, so the same record always yields the same bytes.
func (r *Record) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadRecordFile reads and validates a record file
func ReadRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse record YAML: %w", err)
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record in %s: %w", path, err)
	}

	return &r, nil
}

// WriteRecordFile validates and writes a record into dir, returning the
// file path. The file is written to a temporary name and renamed so a
// crash never leaves a truncated record behind.
func WriteRecordFile(dir string, r *Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("invalid record: %w", err)
	}

	data, err := r.Marshal()
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, r.Filename())
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeFileAtomic writes data to path through a sibling temp file
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}
