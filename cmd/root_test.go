package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/auth"
	"github.com/JakeFAU/reply-report-engine/internal/config"
)

type fakeApp struct {
	runs     int
	migrates int
	sweeps   int
	closed   bool
	sweepN   int
	err      error
}

func (f *fakeApp) Run(context.Context) error     { f.runs++; return f.err }
func (f *fakeApp) Migrate(context.Context) error { f.migrates++; return f.err }
func (f *fakeApp) Sweep(context.Context) (int, error) {
	f.sweeps++
	return f.sweepN, f.err
}
func (f *fakeApp) Close(context.Context) { f.closed = true }

func withFakes(t *testing.T, cfg config.Config, fake *fakeApp) *int {
	t.Helper()
	built := 0
	origApp, origLoad := newApp, loadConfig
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		built++
		return fake, nil
	}
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	t.Cleanup(func() {
		newApp, loadConfig = origApp, origLoad
	})
	return &built
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsAndClosesApp(t *testing.T) {
	fake := &fakeApp{}
	built := withFakes(t, config.Config{}, fake)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.Equal(t, 1, *built)
	require.Equal(t, 1, fake.runs)
	require.True(t, fake.closed)
}

func TestServeToleratesCanceledContext(t *testing.T) {
	fake := &fakeApp{err: context.Canceled}
	withFakes(t, config.Config{}, fake)

	_, err := execute(t, "serve")
	require.NoError(t, err)
}

func TestMigratePropagatesErrors(t *testing.T) {
	fake := &fakeApp{err: errors.New("no database")}
	withFakes(t, config.Config{}, fake)

	_, err := execute(t, "migrate")
	require.ErrorContains(t, err, "no database")
	require.Equal(t, 1, fake.migrates)
}

func TestSweepPrintsCount(t *testing.T) {
	fake := &fakeApp{sweepN: 4}
	withFakes(t, config.Config{}, fake)

	out, err := execute(t, "sweep")
	require.NoError(t, err)
	require.Contains(t, out, "emitted 4")
}

func TestTokenSkipsAppAndVerifies(t *testing.T) {
	cfg := config.Config{Auth: config.AuthConfig{JWTSecret: "secret", Issuer: "reportd"}}
	fake := &fakeApp{}
	built := withFakes(t, cfg, fake)

	out, err := execute(t, "token", "caller-7")
	require.NoError(t, err)
	require.Zero(t, *built)

	id, err := auth.NewVerifier("secret", "reportd").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "caller-7", id.Subject)
	require.Empty(t, id.Role)

	out, err = execute(t, "token", "scorer", "--role", auth.RoleEvaluator)
	require.NoError(t, err)
	id, err = auth.NewVerifier("secret", "reportd").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, auth.RoleEvaluator, id.Role)
}

func TestTokenRequiresSecret(t *testing.T) {
	withFakes(t, config.Config{}, &fakeApp{})

	_, err := execute(t, "token", "caller-7")
	require.ErrorContains(t, err, "jwt_secret")
}
