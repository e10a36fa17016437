package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/metarepo"
	"github.com/nmgrl/dvcsync/internal/record"
	"github.com/nmgrl/dvcsync/internal/source"
)

type harness struct {
	root string
	cat  *catalog.DB
	src  *fakeSource
	p    *Pipeline
}

func setupGitIdentity(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_AUTHOR_NAME", "Test User")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "Test User")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@example.com")
}

func newHarness(t *testing.T, src *fakeSource, opts ...Option) *harness {
	t.Helper()
	setupGitIdentity(t)

	root := t.TempDir()
	cat, err := catalog.OpenAndInit(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	p, err := New(src, cat, root, opts...)
	require.NoError(t, err)

	return &harness{root: root, cat: cat, src: src, p: p}
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func commitCount(t *testing.T, dir string) int {
	t.Helper()
	n, err := strconv.Atoi(gitOutput(t, dir, "rev-list", "--count", "HEAD"))
	require.NoError(t, err)
	return n
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, nil, "x")
	assert.Error(t, err)

	cat := &catalog.DB{}
	_, err = New(newFakeSource(), cat, "")
	assert.ErrorContains(t, err, "root is required")

	_, err = New(newFakeSource(), cat, "x", WithRemote("origin", "{{.Name"))
	assert.ErrorContains(t, err, "invalid remote url template")
}

func TestExportOneCreates(t *testing.T) {
	h := newHarness(t, newFakeSource(view("12345-01", 3)))
	ctx := context.Background()

	o, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	require.Equal(t, Created, o.Status, o.Reason)
	assert.Equal(t, "ProjectX", o.Repository)

	repoDir := filepath.Join(h.root, "ProjectX")
	assert.Equal(t, filepath.Join(repoDir, "12345-01.yaml"), o.Path)

	rec, err := record.ReadRecordFile(o.Path)
	require.NoError(t, err)
	assert.Equal(t, "uuid-12345-01", rec.UUID)
	assert.Equal(t, -1, rec.Increment)
	assert.Equal(t, 3, rec.IrradiationPosition)
	assert.Equal(t, "Fusions CO2", rec.ExtractDevice)
	assert.Equal(t, record.DefaultICFactor(), rec.Detectors["H1"].ICFactor)
	assert.Equal(t, "AQID", rec.Isotopes["Ar40"].Signal)
	assert.FileExists(t, filepath.Join(repoDir, record.SpectrometerFilename(rec.Spectrometer)))

	presence, err := h.cat.AnalysisExists(ctx, "12345", 1, -1)
	require.NoError(t, err)
	assert.Equal(t, catalog.Exists, presence)

	assert.Equal(t, "1 records imported from mysql://argon.example.org:3306/isotopedb",
		gitOutput(t, repoDir, "log", "-1", "--format=%s"))
	assert.Empty(t, gitOutput(t, repoDir, "status", "--porcelain"))
}

func TestExportOneIsIdempotent(t *testing.T) {
	h := newHarness(t, newFakeSource(view("12345-01", 3)))
	ctx := context.Background()

	o, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	require.Equal(t, Created, o.Status)

	repoDir := filepath.Join(h.root, "ProjectX")
	before := commitCount(t, repoDir)
	data, err := os.ReadFile(o.Path)
	require.NoError(t, err)

	again, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	assert.Equal(t, Skipped, again.Status)
	assert.Equal(t, before, commitCount(t, repoDir))

	after, err := os.ReadFile(o.Path)
	require.NoError(t, err)
	assert.Equal(t, data, after)

	stats, err := h.cat.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Analyses)
}

func TestExportOneOverwrite(t *testing.T) {
	src := newFakeSource(view("12345-01", 3))
	h := newHarness(t, src)
	ctx := context.Background()

	_, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)

	src.views["12345-01"].Comment = "re-reduced"
	o, err := h.p.ExportOne(ctx, "12345-01", "", true)
	require.NoError(t, err)
	assert.Equal(t, Created, o.Status)

	rec, err := record.ReadRecordFile(o.Path)
	require.NoError(t, err)
	assert.Equal(t, "re-reduced", rec.Comment)
	assert.Equal(t, 2, commitCount(t, filepath.Join(h.root, "ProjectX")))
}

func TestExportOneRecoversArtifactWithoutRow(t *testing.T) {
	h := newHarness(t, newFakeSource(view("12345-01", 3)))
	ctx := context.Background()

	// Simulate a run that wrote the file and died before the catalog row
	v := view("12345-01", 3)
	dir := filepath.Join(h.root, "ProjectX")
	require.NoError(t, os.MkdirAll(dir, 0755))
	rec := buildRecord(v, "ProjectX", 3, "")
	path, err := record.WriteRecordFile(dir, rec)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)

	o, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	assert.Equal(t, Created, o.Status)

	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime(), "artifact must not be rewritten")

	presence, err := h.cat.AnalysisExists(ctx, "12345", 1, -1)
	require.NoError(t, err)
	assert.Equal(t, catalog.Exists, presence)
	assert.Contains(t, gitOutput(t, dir, "ls-files"), "12345-01.yaml")
}

func TestExportOneNeverReplacesForeignArtifact(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "hand edited", content: "hand edited: true\n"},
		{name: "other analysis", content: "identifier: \"12345\"\nuuid: uuid-someone-else\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakeSource(view("12345-01", 3)))
			ctx := context.Background()

			dir := filepath.Join(h.root, "ProjectX")
			require.NoError(t, os.MkdirAll(dir, 0755))
			path := filepath.Join(dir, "12345-01.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			o, err := h.p.ExportOne(ctx, "12345-01", "", false)
			require.NoError(t, err)
			assert.Equal(t, Failed, o.Status)
			assert.ErrorIs(t, o.Err, ErrReferential)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(data))

			presence, err := h.cat.AnalysisExists(ctx, "12345", 1, -1)
			require.NoError(t, err)
			assert.Equal(t, catalog.Absent, presence)
		})
	}
}

func TestExportOneSkipsCataloguedArtifact(t *testing.T) {
	h := newHarness(t, newFakeSource(view("12345-01", 3)))
	ctx := context.Background()

	o, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	require.Equal(t, Created, o.Status)

	// A later hand edit is left alone
	require.NoError(t, os.WriteFile(o.Path, []byte("hand edited: true\n"), 0644))

	again, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	assert.Equal(t, Skipped, again.Status)

	data, err := os.ReadFile(o.Path)
	require.NoError(t, err)
	assert.Equal(t, "hand edited: true\n", string(data))
}

func TestExportOneCarriesICFactors(t *testing.T) {
	plain := view("12345-01", 3)
	calibrated := view("22222-01", 4)
	calibrated.ICFactors = map[string]record.ICFactor{
		"AX": {Fit: "average", Value: 1.0021, Error: 0.0004},
	}
	h := newHarness(t, newFakeSource(plain, calibrated))
	ctx := context.Background()

	o1, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	require.Equal(t, Created, o1.Status)
	o2, err := h.p.ExportOne(ctx, "22222-01", "", false)
	require.NoError(t, err)
	require.Equal(t, Created, o2.Status)

	r1, err := record.ReadRecordFile(o1.Path)
	require.NoError(t, err)
	r2, err := record.ReadRecordFile(o2.Path)
	require.NoError(t, err)

	assert.NotEqual(t, r1.Spectrometer, r2.Spectrometer, "ic-factor change must change the spectrometer hash")
	assert.Equal(t, record.DefaultICFactor(), r1.Detectors["AX"].ICFactor)
	assert.Equal(t, 1.0021, r2.Detectors["AX"].ICFactor.Value)
	assert.Equal(t, record.DefaultICFactor(), r2.Detectors["H1"].ICFactor)

	spec, err := record.ReadSpectrometerFile(filepath.Dir(o2.Path), r2.Spectrometer)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"H1": 1, "AX": 1.0021}, spec.ICFactors)
}

func TestExportOneRewritesMissingArtifact(t *testing.T) {
	h := newHarness(t, newFakeSource(view("12345-01", 3)))
	ctx := context.Background()

	o, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(o.Path))

	again, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	assert.Equal(t, Created, again.Status)
	assert.FileExists(t, o.Path)
}

func TestExportOneFailures(t *testing.T) {
	bad := view("12345-02", 4)
	bad.UUID = ""
	noSpec := view("12345-03", 5)
	noSpec.MassSpectrometer = ""
	noProject := view("12345-04", 6)
	noProject.Project = ""

	h := newHarness(t, newFakeSource(bad, noSpec, noProject))
	ctx := context.Background()

	tests := []struct {
		name    string
		runID   string
		wantErr error
	}{
		{name: "unparseable id", runID: "not an id", wantErr: ErrMalformedRecord},
		{name: "not in source", runID: "99999-01", wantErr: source.ErrNotFound},
		{name: "missing uuid", runID: "12345-02", wantErr: ErrMalformedRecord},
		{name: "invalid record", runID: "12345-03", wantErr: ErrMalformedRecord},
		{name: "no repository", runID: "12345-04", wantErr: ErrMalformedRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := h.p.ExportOne(ctx, tt.runID, "", false)
			require.NoError(t, err)
			assert.Equal(t, Failed, o.Status)
			assert.NotEmpty(t, o.Reason)
			assert.ErrorIs(t, o.Err, tt.wantErr)
		})
	}
}

func TestExportOneReferentialFailure(t *testing.T) {
	first := view("12345-01", 3)
	clash := view("77777-01", 3)
	h := newHarness(t, newFakeSource(first, clash))
	ctx := context.Background()

	o, err := h.p.ExportOne(ctx, "12345-01", "", false)
	require.NoError(t, err)
	require.Equal(t, Created, o.Status)

	o, err = h.p.ExportOne(ctx, "77777-01", "", false)
	require.NoError(t, err)
	assert.Equal(t, Failed, o.Status)
	assert.ErrorIs(t, o.Err, ErrReferential)
	assert.NoFileExists(t, filepath.Join(h.root, "ProjectX", "77777-01.yaml"))
}

func TestExportManyGroupsCommits(t *testing.T) {
	src := newFakeSource(
		view("12345-01", 3), view("12345-02", 3), view("12345-02A", 3),
		view("22222-01", 4),
	)
	h := newHarness(t, src)
	ctx := context.Background()

	ids := []string{"12345-01", "22222-01", "bogus", "12345-02", "12345-02A"}
	outcomes, err := h.p.ExportMany(ctx, ids, "", false)
	require.NoError(t, err)
	require.Len(t, outcomes, len(ids))

	for i, o := range outcomes {
		assert.Equal(t, ids[i], o.RunID)
	}
	assert.Equal(t, Failed, outcomes[2].Status)
	assert.Equal(t, Summary{Created: 4, Failed: 1}, Summarize(outcomes))

	repoDir := filepath.Join(h.root, "ProjectX")
	log := strings.Split(gitOutput(t, repoDir, "log", "--format=%s"), "\n")
	assert.Equal(t, []string{
		"1 records imported from mysql://argon.example.org:3306/isotopedb",
		"3 records imported from mysql://argon.example.org:3306/isotopedb",
	}, log)

	rec, err := record.ReadRecordFile(filepath.Join(repoDir, "12345-02A.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Increment)
}

func TestExportManyRepositoryOverrideAndParallelism(t *testing.T) {
	var views []*source.AnalysisView
	var ids []string
	for i, ident := range []string{"10001", "10002", "10003", "10004"} {
		v := view(ident+"-01", i+1)
		v.Project = "P" + ident
		views = append(views, v)
		ids = append(ids, v.RunID.String())
	}
	h := newHarness(t, newFakeSource(views...), WithWorkers(3))
	ctx := context.Background()

	outcomes, err := h.p.ExportMany(ctx, ids, "", false)
	require.NoError(t, err)
	assert.Equal(t, 4, Summarize(outcomes).Created)
	for _, ident := range []string{"10001", "10002", "10003", "10004"} {
		assert.FileExists(t, filepath.Join(h.root, "P"+ident, ident+"-01.yaml"))
	}

	extra := view("10001-02", 1)
	extra.Project = "P10001"
	h.src.views["10001-02"] = extra
	o, err := h.p.ExportOne(ctx, "10001-02", "Override", false)
	require.NoError(t, err)
	assert.Equal(t, "Override", o.Repository)
	assert.FileExists(t, filepath.Join(h.root, "Override", "10001-02.yaml"))
}

func TestExportUnirradiatedUsesGrid(t *testing.T) {
	setupGitIdentity(t)
	meta, err := metarepo.Open(t.TempDir(), "", "master")
	require.NoError(t, err)

	h := newHarness(t, newFakeSource(unirradiated("a-01-x-01"), unirradiated("a-01-x-02"), unirradiated("b-01-x-01")),
		WithMetaRepo(meta))
	ctx := context.Background()

	outcomes, err := h.p.ExportMany(ctx, []string{"a-01-x-01", "b-01-x-01", "a-01-x-02"}, "", false)
	require.NoError(t, err)
	require.Equal(t, 3, Summarize(outcomes).Created, outcomes)

	repoDir := filepath.Join(h.root, "Lab_Tests")
	a, err := record.ReadRecordFile(filepath.Join(repoDir, "a-01-x-01.yaml"))
	require.NoError(t, err)
	a2, err := record.ReadRecordFile(filepath.Join(repoDir, "a-01-x-02.yaml"))
	require.NoError(t, err)
	b, err := record.ReadRecordFile(filepath.Join(repoDir, "b-01-x-01.yaml"))
	require.NoError(t, err)

	assert.Equal(t, NoIrradiation, a.Irradiation)
	assert.Equal(t, "A", a.IrradiationLevel)
	assert.Equal(t, "air", a.AnalysisType)
	assert.Equal(t, 1, a.IrradiationPosition)
	assert.Equal(t, a.IrradiationPosition, a2.IrradiationPosition)
	assert.Equal(t, 2, b.IrradiationPosition)

	entries, err := meta.ReadLevel(NoIrradiation, "A")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.FileExists(t, meta.HolderPath("Grid"))
	assert.Equal(t, "3 records imported from mysql://argon.example.org:3306/isotopedb",
		gitOutput(t, meta.Path(), "log", "-1", "--format=%s"))
}

func TestExportRange(t *testing.T) {
	early := view("12345-01", 3)
	late := view("12345-09", 3)
	other := view("22222-01", 4)
	other.MassSpectrometer = "obama"
	h := newHarness(t, newFakeSource(early, late, other))

	outcomes, err := h.p.ExportRange(context.Background(),
		baseTime, baseTime.Add(5*time.Hour), []string{"jan"}, "", false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "12345-01", outcomes[0].RunID)
	assert.Equal(t, Created, outcomes[0].Status)
}

func TestRemoteFromTemplate(t *testing.T) {
	h := newHarness(t, newFakeSource(view("12345-01", 3)),
		WithRemote("origin", "git@github.com:NMGRLData/{{.Name}}.git"))

	_, err := h.p.ExportOne(context.Background(), "12345-01", "", false)
	require.NoError(t, err)
	assert.Equal(t, "git@github.com:NMGRLData/ProjectX.git",
		gitOutput(t, filepath.Join(h.root, "ProjectX"), "remote", "get-url", "origin"))
}

func TestObserverSeesEveryOutcome(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	h := newHarness(t, newFakeSource(view("12345-01", 3), view("12345-02", 3)),
		WithObserver(func(o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, o.RunID+"="+o.Status.String())
		}))

	_, err := h.p.ExportMany(context.Background(), []string{"12345-01", "12345-02", "x"}, "", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"12345-01=created", "12345-02=created", "x=failed"}, seen)
}

func TestExportManyCancelled(t *testing.T) {
	h := newHarness(t, newFakeSource(view("12345-01", 3)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := h.p.ExportMany(ctx, []string{"12345-01"}, "", false)
	require.Len(t, outcomes, 1)
	assert.Equal(t, Failed, outcomes[0].Status)
	if err != nil {
		assert.True(t, errors.Is(err, context.Canceled))
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Status(0).String())
	assert.Equal(t, "1 created, 0 skipped, 2 failed", Summary{Created: 1, Failed: 2}.String())
}
