package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SpectrometerSuffix is appended to the content hash to form the file name
const SpectrometerSuffix = ".spectrometer.yaml"

// Spectrometer is the calibration state shared by analyses measured under
// the same instrument settings
type Spectrometer struct {
	Spectrometer map[string]float64 `yaml:"spectrometer"`
	Gains        map[string]float64 `yaml:"gains"`
	Deflections  map[string]float64 `yaml:"deflections"`
	ICFactors    map[string]float64 `yaml:"ic_factors"`
}

// Marshal renders the file body. Map keys are sorted by the encoder so
// equal content always yields equal bytes.
func (s *Spectrometer) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to marshal spectrometer: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal spectrometer: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash returns the hex sha256 of the marshaled content
func (s *Spectrometer) Hash() (string, error) {
	data, err := s.Marshal()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SpectrometerFilename returns the file name for a content hash
func SpectrometerFilename(hash string) string {
	return hash + SpectrometerSuffix
}

// WriteSpectrometerFile writes s into dir under its content hash unless a
// file with that hash already exists. Returns the hash and whether a new
// file was created.
func WriteSpectrometerFile(dir string, s *Spectrometer) (string, bool, error) {
	data, err := s.Marshal()
	if err != nil {
		return "", false, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	path := filepath.Join(dir, SpectrometerFilename(hash))
	if _, err := os.Stat(path); err == nil {
		return hash, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// ReadSpectrometerFile reads the file for hash from dir
func ReadSpectrometerFile(dir, hash string) (*Spectrometer, error) {
	data, err := os.ReadFile(filepath.Join(dir, SpectrometerFilename(hash)))
	if err != nil {
		return nil, fmt.Errorf("failed to read spectrometer file: %w", err)
	}
	var s Spectrometer
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spectrometer YAML: %w", err)
	}
	return &s, nil
}
