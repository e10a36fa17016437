package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultExtractDevice names the device row used when a record has none
const DefaultExtractDevice = "No Extract Device"

// Presence reports whether the catalog already holds an analysis
type Presence int

const (
	Absent Presence = iota
	Exists
)

func (p Presence) String() string {
	if p == Exists {
		return "exists"
	}
	return "absent"
}

// Analysis is the catalog row for one transferred record
type Analysis struct {
	UUID         string
	Identifier   string
	Aliquot      int
	Increment    int
	AnalysisType string
	Timestamp    time.Time
	Weight       float64
	Comment      string

	MassSpectrometer string
	ExtractDevice    string
	Username         string
	Repository       string
}

// Validate checks the fields needed to place the row
func (a *Analysis) Validate() error {
	switch {
	case a.UUID == "":
		return errors.New("uuid is required")
	case a.Identifier == "":
		return errors.New("identifier is required")
	case a.MassSpectrometer == "":
		return errors.New("mass spectrometer is required")
	case a.Repository == "":
		return errors.New("repository is required")
	case a.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}

// AnalysisExists reports whether an analysis with this logical key is
// catalogued
func (db *DB) AnalysisExists(ctx context.Context, identifier string, aliquot, increment int) (Presence, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM analyses a
		JOIN positions p ON p.id = a.position_id
		WHERE p.identifier = ? AND a.aliquot = ? AND a.increment = ?`,
		identifier, aliquot, increment).Scan(&n)
	if err != nil {
		return Absent, fmt.Errorf("failed to check analysis %s-%02d: %w", identifier, aliquot, err)
	}
	if n > 0 {
		return Exists, nil
	}
	return Absent, nil
}

// UpsertAnalysis inserts or updates the analysis row keyed by uuid and
// links it to its repository. The ancillary rows (mass spectrometer,
// extract device, user, repository) are created first; the position row
// must already exist. Returns true when a new row was inserted.
func (db *DB) UpsertAnalysis(ctx context.Context, a *Analysis) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, fmt.Errorf("invalid analysis: %w", err)
	}

	device := a.ExtractDevice
	if device == "" {
		device = DefaultExtractDevice
	}

	var created bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var positionID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM positions WHERE identifier = ?`, a.Identifier).Scan(&positionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no position for identifier %s: %w", a.Identifier, ErrReferential)
		}
		if err != nil {
			return fmt.Errorf("failed to look up position for %s: %w", a.Identifier, err)
		}

		specID, err := ensureNamed(ctx, tx, "mass_spectrometers", a.MassSpectrometer)
		if err != nil {
			return err
		}
		deviceID, err := ensureNamed(ctx, tx, "extract_devices", device)
		if err != nil {
			return err
		}
		var userID int64
		if a.Username != "" {
			if userID, err = ensureNamed(ctx, tx, "users", a.Username); err != nil {
				return err
			}
		}
		repoID, err := ensureNamed(ctx, tx, "repositories", a.Repository)
		if err != nil {
			return err
		}

		var existing int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM analyses WHERE uuid = ?`, a.UUID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return fmt.Errorf("failed to look up analysis %s: %w", a.UUID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO analyses (
				uuid, position_id, aliquot, increment, analysis_type, timestamp,
				weight, comment, mass_spectrometer_id, extract_device_id, user_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				analysis_type = excluded.analysis_type,
				timestamp = excluded.timestamp,
				weight = excluded.weight,
				comment = excluded.comment,
				mass_spectrometer_id = excluded.mass_spectrometer_id,
				extract_device_id = excluded.extract_device_id,
				user_id = excluded.user_id`,
			a.UUID, positionID, a.Aliquot, a.Increment, analysisType(a.AnalysisType),
			a.Timestamp.UTC().Format(time.RFC3339Nano), a.Weight, a.Comment,
			specID, deviceID, nullID(userID))
		if err != nil {
			return fmt.Errorf("failed to upsert analysis %s: %w", a.UUID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO repository_analyses (repository_id, analysis_id)
			SELECT ?, id FROM analyses WHERE uuid = ?
			ON CONFLICT DO NOTHING`, repoID, a.UUID)
		if err != nil {
			return fmt.Errorf("failed to link analysis %s to %s: %w", a.UUID, a.Repository, err)
		}
		return nil
	})
	return created, err
}

func analysisType(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}

// PositionRow is one slot of an irradiation level
type PositionRow struct {
	Position   int
	Identifier string
	Sample     string
	J          float64
	JErr       float64
}

// LevelPositions lists the slots of irradiation/level ordered by position.
// Returns ErrNotFound when the level does not exist.
func (db *DB) LevelPositions(ctx context.Context, irradiation, level string) ([]PositionRow, error) {
	var levelID int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT l.id FROM levels l
		JOIN irradiations i ON i.id = l.irradiation_id
		WHERE i.name = ? AND l.name = ?`, irradiation, level).Scan(&levelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("level %s%s: %w", irradiation, level, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up level %s%s: %w", irradiation, level, err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT p.position, p.identifier, COALESCE(s.name, ''), p.j, p.j_err
		FROM positions p
		LEFT JOIN samples s ON s.id = p.sample_id
		WHERE p.level_id = ?
		ORDER BY p.position`, levelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(&r.Position, &r.Identifier, &r.Sample, &r.J, &r.JErr); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

// Stats counts the rows of the main tables
type Stats struct {
	Materials    int `json:"materials"`
	Projects     int `json:"projects"`
	Samples      int `json:"samples"`
	Irradiations int `json:"irradiations"`
	Levels       int `json:"levels"`
	Positions    int `json:"positions"`
	Analyses     int `json:"analyses"`
	Repositories int `json:"repositories"`
}

// Stats returns row counts
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"materials", &s.Materials},
		{"projects", &s.Projects},
		{"samples", &s.Samples},
		{"irradiations", &s.Irradiations},
		{"levels", &s.Levels},
		{"positions", &s.Positions},
		{"analyses", &s.Analyses},
		{"repositories", &s.Repositories},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return &s, nil
}
