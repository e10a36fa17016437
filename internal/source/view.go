package source

import (
	"errors"
	"time"

	"github.com/nmgrl/dvcsync/internal/record"
)

// ErrNotFound is returned when no analysis matches a key
var ErrNotFound = errors.New("analysis not found")

// AnalysisView is a read-only snapshot of one analysis and everything
// needed to place it in the catalog
type AnalysisView struct {
	// ===== Identity =====
	RunID     record.RunID
	UUID      string
	Timestamp time.Time
	Comment   string
	Username  string

	// ===== Lineage =====
	// Irradiation is empty for analyses that were never irradiated
	Irradiation           string
	Level                 string
	Holder                string
	Production            string
	IrradiationPosition   int
	J                     float64
	JErr                  float64
	Sample                string
	Material              string
	Grainsize             string
	Project               string
	PrincipalInvestigator string

	// ===== Extraction =====
	MassSpectrometer      string
	ExtractDevice         string
	ExtractUnits          string
	ExtractValue          float64
	Duration              float64
	Cleanup               float64
	BeamDiameter          float64
	Pattern               string
	Weight                float64
	RampDuration          float64
	RampRate              float64
	Tray                  string
	QueueConditionalsName string
	Positions             []record.Position

	// ===== Measurement =====
	Isotopes     []IsotopeView
	Gains        map[string]float64
	Deflections  map[string]float64
	Spectrometer map[string]float64

	// ICFactors holds the stored intercalibration per detector. Detectors
	// missing here get record.DefaultICFactor.
	ICFactors map[string]record.ICFactor
}

// IsotopeView is one measured isotope
type IsotopeView struct {
	Name     string
	Detector string
	Fit      string

	// Signal and BaselineSignal are the packed raw data blobs
	Signal         []byte
	BaselineSignal []byte

	Intercept         record.Value
	Baseline          record.Value
	BaselineCorrected record.Value
}

// Irradiated reports whether the analysis has an irradiation position
func (v *AnalysisView) Irradiated() bool {
	return v.Irradiation != "" && v.Level != ""
}
