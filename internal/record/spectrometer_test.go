package record

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSpectrometer() *Spectrometer {
	return &Spectrometer{
		Spectrometer: map[string]float64{"magnet_dac": 4.2, "source_voltage": 4500},
		Gains:        map[string]float64{"H1": 1.0, "AX": 1.02},
		Deflections:  map[string]float64{"H1": 0, "AX": 50},
		ICFactors:    map[string]float64{"H1": 1, "AX": 1},
	}
}

func TestSpectrometerHashStable(t *testing.T) {
	a, err := sampleSpectrometer().Hash()
	require.NoError(t, err)
	b, err := sampleSpectrometer().Hash()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	changed := sampleSpectrometer()
	changed.Gains["AX"] = 1.03
	c, err := changed.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSpectrometerHashCoversICFactors(t *testing.T) {
	base, err := sampleSpectrometer().Hash()
	require.NoError(t, err)

	changed := sampleSpectrometer()
	changed.ICFactors["AX"] = 1.0021
	c, err := changed.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, base, c)

	data, err := changed.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "ic_factors:")
}

func TestWriteSpectrometerFileOnlyOnce(t *testing.T) {
	dir := t.TempDir()

	hash, created, err := WriteSpectrometerFile(dir, sampleSpectrometer())
	require.NoError(t, err)
	assert.True(t, created)

	path := filepath.Join(dir, SpectrometerFilename(hash))
	info, err := os.Stat(path)
	require.NoError(t, err)

	again, created, err := WriteSpectrometerFile(dir, sampleSpectrometer())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, hash, again)

	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())

	got, err := ReadSpectrometerFile(dir, hash)
	require.NoError(t, err)
	assert.Equal(t, sampleSpectrometer(), got)
}

func TestWriteSpectrometerFileNewContent(t *testing.T) {
	dir := t.TempDir()

	h1, _, err := WriteSpectrometerFile(dir, sampleSpectrometer())
	require.NoError(t, err)

	s := sampleSpectrometer()
	s.Deflections["H1"] = 10
	h2, created, err := WriteSpectrometerFile(dir, s)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, h1, h2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
