package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nmgrl/dvcsync/internal/record"
	"github.com/nmgrl/dvcsync/internal/source"
)

// fakeSource serves views from memory
type fakeSource struct {
	mu    sync.Mutex
	views map[string]*source.AnalysisView
	calls int
}

func newFakeSource(views ...*source.AnalysisView) *fakeSource {
	f := &fakeSource{views: make(map[string]*source.AnalysisView)}
	for _, v := range views {
		f.views[v.RunID.String()] = v
	}
	return f
}

func (f *fakeSource) GetAnalysis(_ context.Context, key record.RunID) (*source.AnalysisView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	v, ok := f.views[key.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, source.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (f *fakeSource) AnalysesInRange(_ context.Context, low, high time.Time, spectrometers []string) ([]record.RunID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	allowed := make(map[string]bool)
	for _, s := range spectrometers {
		allowed[s] = true
	}

	var ids []record.RunID
	for _, v := range f.views {
		if v.Timestamp.Before(low) || v.Timestamp.After(high) {
			continue
		}
		if len(allowed) > 0 && !allowed[v.MassSpectrometer] {
			continue
		}
		ids = append(ids, v.RunID)
	}
	return ids, nil
}

func (f *fakeSource) URL() string {
	return "mysql://argon.example.org:3306/isotopedb"
}

var baseTime = time.Date(2016, 3, 1, 12, 0, 0, 0, time.UTC)

// view builds an irradiated analysis in project ProjectX
func view(runID string, position int) *source.AnalysisView {
	id, err := record.ParseRunID(runID)
	if err != nil {
		panic(err)
	}
	return &source.AnalysisView{
		RunID:               id,
		UUID:                "uuid-" + runID,
		Timestamp:           baseTime.Add(time.Duration(id.Aliquot) * time.Hour),
		Username:            "alice",
		Irradiation:         "NM-300",
		Level:               "A",
		Holder:              "24Spokes",
		Production:          "NM 300",
		IrradiationPosition: position,
		J:                   0.0012,
		JErr:                1e-6,
		Sample:              "S-" + id.Identifier,
		Material:            "sanidine",
		Project:             "ProjectX",
		MassSpectrometer:    "jan",
		ExtractDevice:       "Fusions CO2",
		ExtractValue:        2.5,
		Isotopes: []source.IsotopeView{
			{Name: "Ar40", Detector: "H1", Fit: "linear", Signal: []byte{1, 2, 3},
				Intercept: record.Value{Value: 10, Error: 0.1}, Baseline: record.Value{Value: 0.1, Error: 0.01},
				BaselineCorrected: record.Value{Value: 9.9, Error: 0.1}},
			{Name: "Ar39", Detector: "AX", Fit: "parabolic", Signal: []byte{4, 5}},
		},
		Gains:       map[string]float64{"H1": 1, "AX": 1.02},
		Deflections: map[string]float64{"H1": 0, "AX": 50},
	}
}

// unirradiated builds an analysis with no irradiation position
func unirradiated(runID string) *source.AnalysisView {
	v := view(runID, 0)
	v.Irradiation, v.Level, v.Holder, v.Production = "", "", "", ""
	v.IrradiationPosition = 0
	v.Project = "Lab/Tests"
	return v
}
