package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/export"
)

type fakeApp struct {
	cfgPath    string
	workers    int
	importPath string
	cityID     int64
	runErr     error
	closed     int
}

func (f *fakeApp) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeApp) RunJob(_ context.Context, workers int) (crawl.Job, error) {
	f.workers = workers
	if f.runErr != nil {
		return crawl.Job{ID: 7}, f.runErr
	}
	return crawl.Job{ID: 7, Status: crawl.JobCompleted, CompletedCities: 2}, nil
}

func (f *fakeApp) Import(_ context.Context, path string) (crawl.ImportResult, error) {
	f.importPath = path
	return crawl.ImportResult{Read: 3, Imported: 2, Skipped: 0, Errors: []string{"line 3: bad url"}}, nil
}

func (f *fakeApp) ExportTo(_ context.Context, w io.Writer, cityID int64) (export.Summary, error) {
	f.cityID = cityID
	_, err := io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
	return export.Summary{Features: 0}, err
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

// withFakeApp swaps the factory for the duration of the test.
func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfgPath string) (App, error) {
		fake.cfgPath = cfgPath
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRunCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, _, err := run(t, "run", "--workers", "4", "--config", "geo.yaml")
	require.NoError(t, err)
	assert.Equal(t, "job 7 completed (2 cities completed)\n", out)
	assert.Equal(t, 4, fake.workers)
	assert.Equal(t, "geo.yaml", fake.cfgPath)
	assert.Equal(t, 1, fake.closed)
}

func TestRunCommandInterrupted(t *testing.T) {
	fake := &fakeApp{runErr: context.Canceled}
	withFakeApp(t, fake)

	_, _, err := run(t, "run")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.closed)
}

func TestRunCommandFailureStillCloses(t *testing.T) {
	fake := &fakeApp{runErr: crawl.ErrAlreadyRunning}
	withFakeApp(t, fake)

	_, _, err := run(t, "run")
	require.ErrorIs(t, err, crawl.ErrAlreadyRunning)
	assert.Equal(t, 1, fake.closed)
}

func TestImportCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, errOut, err := run(t, "import", "cities.txt")
	require.NoError(t, err)
	assert.Equal(t, "read 3, imported 2, skipped 0\n", out)
	assert.Contains(t, errOut, "line 3: bad url")
	assert.Equal(t, "cities.txt", fake.importPath)

	_, _, err = run(t, "import")
	require.NoError(t, err)
	assert.Empty(t, fake.importPath)

	_, _, err = run(t, "import", "a", "b")
	require.Error(t, err)
}

func TestExportCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, errOut, err := run(t, "export", "--city", "5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, out)
	assert.Contains(t, errOut, "exported 0 features")
	assert.Equal(t, int64(5), fake.cityID)

	path := filepath.Join(t.TempDir(), "all.geojson")
	out, _, err = run(t, "export", "--out", path)
	require.NoError(t, err)
	assert.Empty(t, out)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "FeatureCollection")
	assert.Equal(t, int64(0), fake.cityID)
}

func TestServeCommandStopsOnCancel(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	require.NoError(t, execute(ctx, []string{"serve"}, &stdout, &stderr))
	assert.Equal(t, 1, fake.closed)
}

func TestFactoryErrorIsReported(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { newApp = orig })

	_, _, err := run(t, "run")
	require.ErrorContains(t, err, "failed to initialize application services: boom")
}

func TestResolveAppWithoutInjection(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
