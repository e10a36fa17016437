package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/metarepo"
	"github.com/nmgrl/dvcsync/internal/record"
	"github.com/nmgrl/dvcsync/internal/source"
	"github.com/nmgrl/dvcsync/internal/vcs"
)

// Placement used for analyses that were never irradiated
const (
	NoIrradiation = "NoIrradiation"
	NoIrradLevel  = "A"
	NoIrradHolder = "Grid"
)

// levelRef names a level touched by an export
type levelRef struct {
	irradiation string
	level       string
	holder      string
}

// exportRecord writes one record. Per-record problems come back as a
// Failed outcome; the error is reserved for fatal repository failures.
func (p *Pipeline) exportRecord(ctx context.Context, er *entityRepo, j *job, overwrite bool) (Outcome, levelRef, error) {
	v := j.view
	dir := er.repo.Path()
	path := filepath.Join(dir, j.key.Filename())

	presence, err := p.cat.AnalysisExists(ctx, j.key.Identifier, j.key.Aliquot, j.key.Increment())
	if err != nil {
		return failed(j.raw, er.name, err), levelRef{}, nil
	}
	_, serr := os.Stat(path)
	onDisk := serr == nil

	// An existing artifact is only replaced on request
	if onDisk && !overwrite {
		if presence == catalog.Exists {
			return skipped(j.raw, er.name, path), levelRef{}, nil
		}
		if !artifactMatches(path, v.UUID) {
			err := fmt.Errorf("%s exists but does not hold analysis %s; export with overwrite to replace it: %w",
				filepath.Base(path), v.UUID, ErrReferential)
			return failed(j.raw, er.name, err), levelRef{}, nil
		}
	}

	lineage := lineageFor(v)
	ids, err := p.cat.EnsureLineage(ctx, lineage)
	if err != nil {
		return failed(j.raw, er.name, err), levelRef{}, nil
	}
	lvl := levelRef{irradiation: lineage.Irradiation, level: lineage.Level, holder: lineage.Holder}

	// A file without its row is left as written; only the row is added
	if overwrite || !onDisk {
		if err := p.writeArtifacts(ctx, er, v, ids.Slot); err != nil {
			if vcs.IsFatal(err) {
				return Outcome{}, levelRef{}, err
			}
			return failed(j.raw, er.name, err), levelRef{}, nil
		}
	} else {
		p.logger.Info("recovering catalog row for existing artifact", "run_id", j.raw, "path", path)
		if err := er.repo.Add(ctx, path, false); err != nil {
			if vcs.IsFatal(err) {
				return Outcome{}, levelRef{}, err
			}
			return failed(j.raw, er.name, err), levelRef{}, nil
		}
	}

	if _, err := p.cat.UpsertAnalysis(ctx, analysisRow(v, er.name)); err != nil {
		return failed(j.raw, er.name, err), levelRef{}, nil
	}

	return created(j.raw, er.name, path), lvl, nil
}

// artifactMatches reports whether path holds a valid record for uuid
func artifactMatches(path, uuid string) bool {
	rec, err := record.ReadRecordFile(path)
	if err != nil {
		return false
	}
	return rec.UUID == uuid
}

// writeArtifacts writes and stages the spectrometer file and the record.
// The record is validated before anything touches the disk.
func (p *Pipeline) writeArtifacts(ctx context.Context, er *entityRepo, v *source.AnalysisView, slot int) error {
	dir := er.repo.Path()

	factors := detectorICFactors(v)
	values := make(map[string]float64, len(factors))
	for det, ic := range factors {
		values[det] = ic.Value
	}
	spec := &record.Spectrometer{
		Spectrometer: orEmpty(v.Spectrometer),
		Gains:        orEmpty(v.Gains),
		Deflections:  orEmpty(v.Deflections),
		ICFactors:    values,
	}
	hash, err := spec.Hash()
	if err != nil {
		return err
	}

	rec := buildRecord(v, er.name, slot, hash)
	if err := rec.Validate(); err != nil {
		return err
	}

	if _, _, err := record.WriteSpectrometerFile(dir, spec); err != nil {
		return err
	}
	// Staging an unchanged tracked file is a no-op
	if err := er.repo.Add(ctx, filepath.Join(dir, record.SpectrometerFilename(hash)), false); err != nil {
		return err
	}

	path, err := record.WriteRecordFile(dir, rec)
	if err != nil {
		return err
	}
	return er.repo.Add(ctx, path, false)
}

// detectorICFactors returns the intercalibration of every measured
// detector, falling back to the default for detectors never calibrated
func detectorICFactors(v *source.AnalysisView) map[string]record.ICFactor {
	out := make(map[string]record.ICFactor)
	for _, iso := range v.Isotopes {
		if _, ok := out[iso.Detector]; ok {
			continue
		}
		ic, ok := v.ICFactors[iso.Detector]
		if !ok {
			ic = record.DefaultICFactor()
		}
		if ic.References == nil {
			ic.References = []string{}
		}
		out[iso.Detector] = ic
	}
	return out
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// lineageFor places a view in the catalog tree
func lineageFor(v *source.AnalysisView) catalog.Lineage {
	l := catalog.Lineage{Identifier: v.RunID.Identifier}

	if v.Sample != "" {
		l.Sample = v.Sample
		l.Material = v.Material
		l.Grainsize = v.Grainsize
		l.Project = record.RepositoryName(v.Project)
		l.PrincipalInvestigator = v.PrincipalInvestigator
	}

	if v.Irradiated() {
		l.Irradiation = v.Irradiation
		l.Level = v.Level
		l.Holder = v.Holder
		l.Production = record.ProductionName(v.Production)
		l.Position = v.IrradiationPosition
		l.J = v.J
		l.JErr = v.JErr
		return l
	}

	l.Irradiation = NoIrradiation
	l.Level = NoIrradLevel
	l.Holder = NoIrradHolder
	l.Production = NoIrradiation
	return l
}

// buildRecord renders the canonical record for a view
func buildRecord(v *source.AnalysisView, repository string, slot int, spectrometerHash string) *record.Record {
	device := v.ExtractDevice
	if device == "" {
		device = catalog.DefaultExtractDevice
	}

	irradiation, level := v.Irradiation, v.Level
	if !v.Irradiated() {
		irradiation, level = NoIrradiation, NoIrradLevel
	}

	positions := v.Positions
	if positions == nil {
		positions = []record.Position{}
	}

	rec := &record.Record{
		Identifier:        v.RunID.Identifier,
		UUID:              v.UUID,
		Aliquot:           v.RunID.Aliquot,
		Increment:         v.RunID.Increment(),
		AnalysisType:      record.AnalysisType(v.RunID.Identifier),
		CollectionVersion: record.CollectionVersion,
		Comment:           v.Comment,
		RepositoryID:      repository,

		Irradiation:         irradiation,
		IrradiationLevel:    level,
		IrradiationPosition: slot,
		Project:             record.RepositoryName(v.Project),
		Sample:              v.Sample,
		Material:            v.Material,
		Weight:              v.Weight,

		MassSpectrometer:      v.MassSpectrometer,
		ExtractDevice:         device,
		ExtractUnits:          v.ExtractUnits,
		ExtractValue:          v.ExtractValue,
		Duration:              v.Duration,
		Cleanup:               v.Cleanup,
		BeamDiameter:          v.BeamDiameter,
		Pattern:               v.Pattern,
		Position:              positions,
		RampDuration:          v.RampDuration,
		RampRate:              v.RampRate,
		QueueConditionalsName: v.QueueConditionalsName,
		Tray:                  v.Tray,

		Timestamp:    v.Timestamp.UTC(),
		Username:     v.Username,
		Spectrometer: spectrometerHash,

		Detectors: make(map[string]record.Detector),
		Isotopes:  make(map[string]record.Isotope),
	}

	factors := detectorICFactors(v)
	for _, iso := range v.Isotopes {
		rec.Isotopes[iso.Name] = record.Isotope{
			Fit:               iso.Fit,
			Detector:          iso.Detector,
			Signal:            base64.StdEncoding.EncodeToString(iso.Signal),
			BaselineCorrected: iso.BaselineCorrected,
			RawIntercept:      iso.Intercept,
		}
		if _, ok := rec.Detectors[iso.Detector]; !ok {
			rec.Detectors[iso.Detector] = record.Detector{
				ICFactor: factors[iso.Detector],
				Baseline: record.Baseline{
					Signal: base64.StdEncoding.EncodeToString(iso.BaselineSignal),
					Value:  iso.Baseline.Value,
					Error:  iso.Baseline.Error,
				},
			}
		}
	}

	return rec
}

// analysisRow is the catalog row for a view
func analysisRow(v *source.AnalysisView, repository string) *catalog.Analysis {
	return &catalog.Analysis{
		UUID:             v.UUID,
		Identifier:       v.RunID.Identifier,
		Aliquot:          v.RunID.Aliquot,
		Increment:        v.RunID.Increment(),
		AnalysisType:     record.AnalysisType(v.RunID.Identifier),
		Timestamp:        v.Timestamp,
		Weight:           v.Weight,
		Comment:          v.Comment,
		MassSpectrometer: v.MassSpectrometer,
		ExtractDevice:    v.ExtractDevice,
		Username:         v.Username,
		Repository:       repository,
	}
}

// syncLevel rewrites the level file and, for the Grid holder, its
// geometry in the metadata repository
func (p *Pipeline) syncLevel(ctx context.Context, lvl levelRef) error {
	if lvl.irradiation == "" {
		return nil
	}

	if lvl.holder == NoIrradHolder {
		if _, err := p.meta.WriteHolder(ctx, lvl.holder, metarepo.GridGeometry()); err != nil {
			return err
		}
	}

	rows, err := p.cat.LevelPositions(ctx, lvl.irradiation, lvl.level)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		return err
	}

	if _, err := p.meta.SyncLevel(ctx, lvl.irradiation, lvl.level, rows); err != nil {
		return fmt.Errorf("level %s%s: %w", lvl.irradiation, lvl.level, err)
	}
	return nil
}
