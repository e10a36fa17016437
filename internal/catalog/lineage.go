package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Lineage names every ancestor of one analysis
type Lineage struct {
	// ===== Sample =====
	Material              string
	Grainsize             string
	Project               string
	PrincipalInvestigator string
	Sample                string

	// ===== Irradiation =====
	Irradiation string
	Level       string
	Holder      string
	Production  string

	// ===== Position =====
	Identifier string
	// Position is the slot in the level; 0 asks the catalog to reuse the
	// identifier's slot or allocate the next free one
	Position int
	J        float64
	JErr     float64
}

// LineageIDs are the row ids resolved for a Lineage
type LineageIDs struct {
	Material    int64
	Project     int64
	Sample      int64
	Irradiation int64
	Production  int64
	Level       int64
	Position    int64

	// Slot is the position number within the level
	Slot int
}

// Validate checks the names every lineage needs
func (l *Lineage) Validate() error {
	switch {
	case l.Identifier == "":
		return fmt.Errorf("identifier is required: %w", ErrReferential)
	case l.Irradiation == "":
		return fmt.Errorf("irradiation is required: %w", ErrReferential)
	case l.Level == "":
		return fmt.Errorf("level is required: %w", ErrReferential)
	case l.Sample != "" && (l.Material == "" || l.Project == ""):
		return fmt.Errorf("sample %q needs a material and a project: %w", l.Sample, ErrReferential)
	case l.Position < 0:
		return fmt.Errorf("position must be non-negative, got %d: %w", l.Position, ErrReferential)
	}
	return nil
}

// EnsureLineage creates any missing rows for l in parent-before-child
// order (material, project, sample, irradiation, production, level,
// position) within one transaction and returns their ids. Existing rows
// are reused, so calling it twice with the same lineage is a no-op.
func (db *DB) EnsureLineage(ctx context.Context, l Lineage) (*LineageIDs, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	var ids LineageIDs
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error

		if l.Sample != "" {
			if ids.Material, err = ensureMaterial(ctx, tx, l.Material, l.Grainsize); err != nil {
				return err
			}
			if ids.Project, err = ensureProject(ctx, tx, l.Project, l.PrincipalInvestigator); err != nil {
				return err
			}
			if ids.Sample, err = ensureSample(ctx, tx, l.Sample, ids.Material, ids.Project); err != nil {
				return err
			}
		}

		if ids.Irradiation, err = ensureNamed(ctx, tx, "irradiations", l.Irradiation); err != nil {
			return err
		}
		if l.Production != "" {
			if ids.Production, err = ensureNamed(ctx, tx, "productions", l.Production); err != nil {
				return err
			}
		}
		if ids.Level, err = ensureLevel(ctx, tx, ids.Irradiation, l.Level, l.Holder, ids.Production); err != nil {
			return err
		}

		ids.Position, ids.Slot, err = ensurePosition(ctx, tx, ids.Level, l, ids.Sample)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ids, nil
}

func ensureMaterial(ctx context.Context, tx *sql.Tx, name, grainsize string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("material name is required: %w", ErrReferential)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO materials (name, grainsize) VALUES (?, ?) ON CONFLICT(name, grainsize) DO NOTHING`,
		name, grainsize)
	if err != nil {
		return 0, fmt.Errorf("failed to insert material %q: %w", name, err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM materials WHERE name = ? AND grainsize = ?`, name, grainsize).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up material %q: %w", name, err)
	}
	return id, nil
}

func ensureProject(ctx context.Context, tx *sql.Tx, name, pi string) (int64, error) {
	id, err := ensureNamed(ctx, tx, "projects", name)
	if err != nil {
		return 0, err
	}
	if pi != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE projects SET principal_investigator = ? WHERE id = ? AND principal_investigator = ''`, pi, id)
		if err != nil {
			return 0, fmt.Errorf("failed to set principal investigator on %q: %w", name, err)
		}
	}
	return id, nil
}

func ensureSample(ctx context.Context, tx *sql.Tx, name string, materialID, projectID int64) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO samples (name, material_id, project_id) VALUES (?, ?, ?)
		 ON CONFLICT(name, material_id, project_id) DO NOTHING`,
		name, materialID, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sample %q: %w", name, err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM samples WHERE name = ? AND material_id = ? AND project_id = ?`,
		name, materialID, projectID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up sample %q: %w", name, err)
	}
	return id, nil
}

func ensureLevel(ctx context.Context, tx *sql.Tx, irradiationID int64, name, holder string, productionID int64) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO levels (irradiation_id, name, holder, production_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(irradiation_id, name) DO NOTHING`,
		irradiationID, name, holder, nullID(productionID))
	if err != nil {
		return 0, fmt.Errorf("failed to insert level %q: %w", name, err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM levels WHERE irradiation_id = ? AND name = ?`, irradiationID, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up level %q: %w", name, err)
	}
	return id, nil
}

// ensurePosition finds or creates the position row for l.Identifier.
// An identifier already placed elsewhere, or a requested slot held by a
// different identifier, is a referential error.
func ensurePosition(ctx context.Context, tx *sql.Tx, levelID int64, l Lineage, sampleID int64) (int64, int, error) {
	var (
		id      int64
		level   int64
		slot    int
		current sql.NullInt64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, level_id, position, sample_id FROM positions WHERE identifier = ?`, l.Identifier).
		Scan(&id, &level, &slot, &current)
	switch {
	case err == nil:
		if level != levelID || (l.Position != 0 && l.Position != slot) {
			return 0, 0, fmt.Errorf("identifier %s already placed at level %d position %d: %w",
				l.Identifier, level, slot, ErrReferential)
		}
		if sampleID != 0 && !current.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE positions SET sample_id = ? WHERE id = ?`, sampleID, id); err != nil {
				return 0, 0, fmt.Errorf("failed to attach sample to %s: %w", l.Identifier, err)
			}
		}
		return id, slot, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, 0, fmt.Errorf("failed to look up position for %s: %w", l.Identifier, err)
	}

	slot = l.Position
	if slot == 0 {
		if slot, err = nextFreeSlot(ctx, tx, levelID); err != nil {
			return 0, 0, err
		}
	} else {
		var holder string
		err := tx.QueryRowContext(ctx,
			`SELECT identifier FROM positions WHERE level_id = ? AND position = ?`, levelID, slot).Scan(&holder)
		if err == nil {
			return 0, 0, fmt.Errorf("position %d already holds %s, not %s: %w",
				slot, holder, l.Identifier, ErrReferential)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("failed to check position %d: %w", slot, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO positions (level_id, position, identifier, sample_id, j, j_err) VALUES (?, ?, ?, ?, ?, ?)`,
		levelID, slot, l.Identifier, nullID(sampleID), l.J, l.JErr)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert position for %s: %w", l.Identifier, err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, 0, fmt.Errorf("failed to read position id: %w", err)
	}
	return id, slot, nil
}

// nextFreeSlot returns one past the highest slot in the level, or 1 for
// an empty level
func nextFreeSlot(ctx context.Context, tx *sql.Tx, levelID int64) (int, error) {
	var last sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(position) FROM positions WHERE level_id = ?`, levelID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to find next free position: %w", err)
	}
	if !last.Valid {
		return 1, nil
	}
	return int(last.Int64) + 1, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
