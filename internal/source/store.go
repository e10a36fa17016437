package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/nmgrl/dvcsync/internal/record"
)

const retryMaxElapsed = 30 * time.Second

// Store is a read-only connection to the isotope database
type Store struct {
	db  *sql.DB
	url string
}

// Open connects to the source database described by cfg
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to source database at %s: %w", cfg.URL(), err)
	}

	return &Store{db: db, url: cfg.URL()}, nil
}

// URL identifies the source without credentials
func (s *Store) URL() string {
	return s.url
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// isRetryableError reports transient connection errors worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// withRetry retries op on transient errors
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

const analysisQuery = `
SELECT
	a.uuid, a.analysis_timestamp, COALESCE(a.comment, ''), COALESCE(u.name, ''),
	COALESCE(irr.name, ''), COALESCE(lvl.name, ''), COALESCE(hld.name, ''), COALESCE(prd.name, ''),
	COALESCE(ip.position, 0), COALESCE(fx.j, 0), COALESCE(fx.j_err, 0),
	COALESCE(smp.name, ''), COALESCE(mat.name, ''), COALESCE(mat.grainsize, ''),
	COALESCE(prj.name, ''), COALESCE(pi.name, ''),
	ms.name, COALESCE(ed.name, ''),
	COALESCE(ex.extract_units, ''), COALESCE(ex.extract_value, 0),
	COALESCE(ex.extract_duration, 0), COALESCE(ex.cleanup_duration, 0),
	COALESCE(ex.beam_diameter, 0), COALESCE(ex.pattern, ''), COALESCE(ex.weight, 0),
	COALESCE(ex.ramp_duration, 0), COALESCE(ex.ramp_rate, 0),
	COALESCE(ex.tray, ''), COALESCE(a.queue_conditionals_name, ''),
	a.id, COALESCE(ex.id, 0), a.measurement_id
FROM meas_analysistable a
JOIN gen_labtable lab ON lab.id = a.lab_id
JOIN meas_measurementtable m ON m.id = a.measurement_id
JOIN gen_massspectrometertable ms ON ms.id = m.mass_spectrometer_id
LEFT JOIN gen_usertable u ON u.id = a.user_id
LEFT JOIN meas_extractiontable ex ON ex.id = a.extraction_id
LEFT JOIN gen_extractiondevicetable ed ON ed.id = ex.extract_device_id
LEFT JOIN irrad_positiontable ip ON ip.id = lab.irradiation_id
LEFT JOIN irrad_leveltable lvl ON lvl.id = ip.level_id
LEFT JOIN irrad_irradiationtable irr ON irr.id = lvl.irradiation_id
LEFT JOIN irrad_holdertable hld ON hld.id = lvl.holder_id
LEFT JOIN irrad_productiontable prd ON prd.id = lvl.production_id
LEFT JOIN flux_fluxtable fx ON fx.id = lab.selected_flux_id
LEFT JOIN gen_sampletable smp ON smp.id = lab.sample_id
LEFT JOIN gen_materialtable mat ON mat.id = smp.material_id
LEFT JOIN gen_projecttable prj ON prj.id = smp.project_id
LEFT JOIN gen_principalinvestigatortable pi ON pi.id = prj.principal_investigator_id
WHERE lab.identifier = ? AND a.aliquot = ? AND COALESCE(a.step, '') = ?`

// GetAnalysis loads the analysis for key. Returns ErrNotFound when no
// analysis matches.
func (s *Store) GetAnalysis(ctx context.Context, key record.RunID) (*AnalysisView, error) {
	var view *AnalysisView
	err := s.withRetry(ctx, func() error {
		v, err := s.getAnalysis(ctx, key)
		view = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Store) getAnalysis(ctx context.Context, key record.RunID) (*AnalysisView, error) {
	v := &AnalysisView{RunID: key}
	var analysisID, extractionID, measurementID int64

	err := s.db.QueryRowContext(ctx, analysisQuery, key.Identifier, key.Aliquot, key.Step).Scan(
		&v.UUID, &v.Timestamp, &v.Comment, &v.Username,
		&v.Irradiation, &v.Level, &v.Holder, &v.Production,
		&v.IrradiationPosition, &v.J, &v.JErr,
		&v.Sample, &v.Material, &v.Grainsize,
		&v.Project, &v.PrincipalInvestigator,
		&v.MassSpectrometer, &v.ExtractDevice,
		&v.ExtractUnits, &v.ExtractValue,
		&v.Duration, &v.Cleanup,
		&v.BeamDiameter, &v.Pattern, &v.Weight,
		&v.RampDuration, &v.RampRate,
		&v.Tray, &v.QueueConditionalsName,
		&analysisID, &extractionID, &measurementID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis %s: %w", key, err)
	}

	if extractionID != 0 {
		if v.Positions, err = s.positions(ctx, extractionID); err != nil {
			return nil, err
		}
	}
	if v.Isotopes, err = s.isotopes(ctx, analysisID); err != nil {
		return nil, err
	}
	if err := s.spectrometerParameters(ctx, v, analysisID, measurementID); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) positions(ctx context.Context, extractionID int64) ([]record.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(x, 0), COALESCE(y, 0), COALESCE(z, 0), COALESCE(position, 0), COALESCE(is_degas, 0)
		FROM meas_positiontable WHERE extraction_id = ? ORDER BY id`, extractionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []record.Position
	for rows.Next() {
		var p record.Position
		if err := rows.Scan(&p.X, &p.Y, &p.Z, &p.Position, &p.IsDegas); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) isotopes(ctx context.Context, analysisID int64) ([]IsotopeView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			mi.name, det.name, COALESCE(fit.name, 'linear'),
			sig.data, COALESCE(bsig.data, ''),
			COALESCE(r.signal_, 0), COALESCE(r.signal_err, 0),
			COALESCE(br.signal_, 0), COALESCE(br.signal_err, 0)
		FROM meas_isotopetable iso
		JOIN gen_molecularweighttable mi ON mi.id = iso.molecular_weight_id
		JOIN gen_detectortable det ON det.id = iso.detector_id
		JOIN meas_signaltable sig ON sig.isotope_id = iso.id
		LEFT JOIN meas_isotopetable biso ON biso.analysis_id = iso.analysis_id
			AND biso.detector_id = iso.detector_id AND biso.kind = 'baseline'
		LEFT JOIN meas_signaltable bsig ON bsig.isotope_id = biso.id
		LEFT JOIN proc_isotoperesultstable r ON r.isotope_id = iso.id
		LEFT JOIN proc_isotoperesultstable br ON br.isotope_id = biso.id
		LEFT JOIN proc_fittable fit ON fit.isotope_id = iso.id
		WHERE iso.analysis_id = ? AND iso.kind = 'signal'
		ORDER BY mi.name`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query isotopes: %w", err)
	}
	defer rows.Close()

	var out []IsotopeView
	for rows.Next() {
		var iso IsotopeView
		if err := rows.Scan(
			&iso.Name, &iso.Detector, &iso.Fit,
			&iso.Signal, &iso.BaselineSignal,
			&iso.Intercept.Value, &iso.Intercept.Error,
			&iso.Baseline.Value, &iso.Baseline.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan isotope: %w", err)
		}
		iso.BaselineCorrected = record.Value{
			Value: iso.Intercept.Value - iso.Baseline.Value,
			Error: quadrature(iso.Intercept.Error, iso.Baseline.Error),
		}
		out = append(out, iso)
	}
	return out, rows.Err()
}

// spectrometerParameters loads gains, deflections and source settings
func (s *Store) spectrometerParameters(ctx context.Context, v *AnalysisView, analysisID, measurementID int64) error {
	v.Gains = make(map[string]float64)
	v.Deflections = make(map[string]float64)
	v.Spectrometer = make(map[string]float64)

	rows, err := s.db.QueryContext(ctx, `
		SELECT det.name, COALESCE(g.value, 1)
		FROM meas_gaintable g
		JOIN gen_detectortable det ON det.id = g.detector_id
		WHERE g.analysis_id = ?`, analysisID)
	if err != nil {
		return fmt.Errorf("failed to query gains: %w", err)
	}
	if err := scanNamedValues(rows, v.Gains); err != nil {
		return fmt.Errorf("failed to read gains: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT det.name, COALESCE(d.deflection, 0)
		FROM meas_spectrometerdeflectionstable d
		JOIN gen_detectortable det ON det.id = d.detector_id
		WHERE d.measurement_id = ?`, measurementID)
	if err != nil {
		return fmt.Errorf("failed to query deflections: %w", err)
	}
	if err := scanNamedValues(rows, v.Deflections); err != nil {
		return fmt.Errorf("failed to read deflections: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT k, COALESCE(value, 0)
		FROM meas_spectrometerparameterstable
		WHERE measurement_id = ?`, measurementID)
	if err != nil {
		return fmt.Errorf("failed to query spectrometer parameters: %w", err)
	}
	if err := scanNamedValues(rows, v.Spectrometer); err != nil {
		return fmt.Errorf("failed to read spectrometer parameters: %w", err)
	}

	return s.icFactors(ctx, v, analysisID)
}

// icFactors loads detector intercalibrations. The newest history entry
// wins when a detector was intercalibrated more than once.
func (s *Store) icFactors(ctx context.Context, v *AnalysisView, analysisID int64) error {
	v.ICFactors = make(map[string]record.ICFactor)

	rows, err := s.db.QueryContext(ctx, `
		SELECT det.name, COALESCE(ic.fit, 'default'),
			COALESCE(ic.user_value, 1), COALESCE(ic.user_error, 0)
		FROM proc_detectorintercalibrationtable ic
		JOIN proc_detectorintercalibrationhistorytable h ON h.id = ic.history_id
		JOIN gen_detectortable det ON det.id = ic.detector_id
		WHERE h.analysis_id = ?
		ORDER BY h.create_date`, analysisID)
	if err != nil {
		return fmt.Errorf("failed to query ic factors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		ic := record.ICFactor{References: []string{}}
		if err := rows.Scan(&name, &ic.Fit, &ic.Value, &ic.Error); err != nil {
			return fmt.Errorf("failed to scan ic factor: %w", err)
		}
		v.ICFactors[name] = ic
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read ic factors: %w", err)
	}
	return nil
}

func scanNamedValues(rows *sql.Rows, dst map[string]float64) error {
	defer rows.Close()
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		dst[name] = value
	}
	return rows.Err()
}

// AnalysesInRange lists the run ids measured between low and high,
// optionally restricted to some mass spectrometers, oldest first
func (s *Store) AnalysesInRange(ctx context.Context, low, high time.Time, spectrometers []string) ([]record.RunID, error) {
	if high.Before(low) {
		return nil, fmt.Errorf("invalid range: %s is before %s", high.Format(time.RFC3339), low.Format(time.RFC3339))
	}

	query := `
		SELECT lab.identifier, a.aliquot, COALESCE(a.step, '')
		FROM meas_analysistable a
		JOIN gen_labtable lab ON lab.id = a.lab_id
		JOIN meas_measurementtable m ON m.id = a.measurement_id
		JOIN gen_massspectrometertable ms ON ms.id = m.mass_spectrometer_id
		WHERE a.analysis_timestamp BETWEEN ? AND ?`
	args := []any{low.UTC(), high.UTC()}

	if len(spectrometers) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(spectrometers)), ",")
		query += " AND ms.name IN (" + placeholders + ")"
		for _, name := range spectrometers {
			args = append(args, name)
		}
	}
	query += " ORDER BY a.analysis_timestamp"

	var ids []record.RunID
	err := s.withRetry(ctx, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query analyses in range: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id record.RunID
			if err := rows.Scan(&id.Identifier, &id.Aliquot, &id.Step); err != nil {
				return fmt.Errorf("failed to scan run id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func quadrature(a, b float64) float64 {
	return math.Sqrt(a*a + b*b)
}
