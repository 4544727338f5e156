package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/config"
	"github.com/JakeFAU/news-ingest/internal/engine"
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

type fakeApp struct {
	runOpts   []engine.Options
	summary   ingest.Summary
	runErr    error
	infos     []engine.PlanInfo
	synced    int
	closed    bool
	cfgDriver string
}

func (f *fakeApp) Run(_ context.Context, opts engine.Options) (ingest.Summary, error) {
	f.runOpts = append(f.runOpts, opts)
	return f.summary, f.runErr
}

func (f *fakeApp) Describe(_ context.Context, opts engine.Options) ([]engine.PlanInfo, error) {
	f.runOpts = append(f.runOpts, opts)
	return f.infos, nil
}

func (f *fakeApp) SyncSources(context.Context) (int, error) { return f.synced, nil }

func (f *fakeApp) Close() { f.closed = true }

// execute runs the CLI against fake. Tests using it are not parallel
// because they swap the package-level factory.
func execute(t *testing.T, fake *fakeApp, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o600))

	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		fake.cfgDriver = cfg.Storage.Driver
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIngestCommand(t *testing.T) {
	fake := &fakeApp{summary: ingest.Summary{RunID: "run-1", Mode: ingest.ModeLatest}}
	out, err := execute(t, fake, "ingest", "--source", "daily", "--source", "weekly")
	require.NoError(t, err)

	require.Len(t, fake.runOpts, 1)
	assert.Equal(t, engine.Options{Mode: ingest.ModeLatest, Sources: []string{"daily", "weekly"}}, fake.runOpts[0])
	assert.Equal(t, "memory", fake.cfgDriver)
	assert.True(t, fake.closed)

	var got ingest.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "run-1", got.RunID)
}

func TestBackfillCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    engine.Options
		wantErr string
	}{
		{
			name: "defaults",
			args: []string{"backfill"},
			want: engine.Options{Mode: ingest.ModeBackfill, Method: "auto"},
		},
		{
			name: "overrides",
			args: []string{"backfill", "--source", "daily", "--method", "archive", "--pages", "3", "--days", "7"},
			want: engine.Options{Mode: ingest.ModeBackfill, Sources: []string{"daily"}, Method: "archive", Pages: 3, Days: 7},
		},
		{name: "unknown method", args: []string{"backfill", "--method", "crawl"}, wantErr: "--method"},
		{name: "negative pages", args: []string{"backfill", "--pages", "-1"}, wantErr: "--pages"},
		{name: "negative days", args: []string{"backfill", "--days", "-2"}, wantErr: "--days"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeApp{summary: ingest.Summary{RunID: "run-2"}}
			_, err := execute(t, fake, tc.args...)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				assert.Empty(t, fake.runOpts)
				return
			}
			require.NoError(t, err)
			require.Len(t, fake.runOpts, 1)
			assert.Equal(t, tc.want, fake.runOpts[0])
		})
	}
}

func TestRunFailureStillPrintsSummary(t *testing.T) {
	fake := &fakeApp{
		summary: ingest.Summary{RunID: "run-3", Totals: ingest.Counters{Fetched: 4}},
		runErr:  errors.New("run scheduler: store down"),
	}
	out, err := execute(t, fake, "ingest")
	require.ErrorContains(t, err, "store down")
	assert.Contains(t, out, `"run_id": "run-3"`)
	assert.True(t, fake.closed, "app is closed after a failed run")

	fake = &fakeApp{runErr: errors.New("no runnable sources")}
	out, err = execute(t, fake, "ingest")
	require.Error(t, err)
	assert.Empty(t, out)
}

func TestCanceledRunFails(t *testing.T) {
	fake := &fakeApp{summary: ingest.Summary{RunID: "run-4", Canceled: true}}
	out, err := execute(t, fake, "backfill")
	require.ErrorContains(t, err, "canceled")
	assert.Contains(t, out, `"canceled": true`)
}

func TestSourcesCommands(t *testing.T) {
	fake := &fakeApp{infos: []engine.PlanInfo{{Slug: "daily", Name: "Daily"}}, synced: 2}
	out, err := execute(t, fake, "sources", "--mode", "backfill", "--method", "date")
	require.NoError(t, err)
	assert.Contains(t, out, `"slug": "daily"`)
	require.Len(t, fake.runOpts, 1)
	assert.Equal(t, engine.Options{Mode: ingest.ModeBackfill, Method: "date"}, fake.runOpts[0])

	out, err = execute(t, fake, "sources", "sync")
	require.NoError(t, err)
	assert.Equal(t, "synced 2 sources\n", out)
}

func TestRootFailsOnBadConfig(t *testing.T) {
	fake := &fakeApp{}
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return fake, nil }
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "ingest"})
	require.Error(t, root.ExecuteContext(context.Background()))
	assert.Empty(t, fake.runOpts)
}

func TestFactoryErrorIsWrapped(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return nil, errors.New("db down") }
	t.Cleanup(func() { newApp = orig })

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o600))
	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "sources"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services")
}
