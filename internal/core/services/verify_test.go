package services

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

func conformingInfo() *domain.ImageInfo {
	c := domain.DefaultContract()
	return &domain.ImageInfo{
		ID:           "sha256:app",
		Env:          []string{"PATH=/usr/local/bin:/usr/bin", "PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		Cmd:          c.Entrypoint.Command(),
		WorkingDir:   "/app",
		ExposedPorts: []string{"8000/tcp"},
	}
}

func TestCheckConfig(t *testing.T) {
	images := &fakeImages{info: map[string]*domain.ImageInfo{"svc:1": conformingInfo()}}
	v := NewVerifier(&fakeContainers{}, images, nil)

	report, err := v.CheckConfig(context.Background(), "svc:1", domain.DefaultContract())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Mismatches)

	_, err = v.CheckConfig(context.Background(), "missing", domain.DefaultContract())
	assert.Error(t, err)
}

func TestCompareConfig_Mismatches(t *testing.T) {
	info := conformingInfo()
	info.Env = []string{"PYTHONUNBUFFERED=1"}
	info.Cmd = []string{"python", "-m", "app"}
	info.ExposedPorts = nil
	info.WorkingDir = "/"
	info.Entrypoint = []string{"/entrypoint.sh"}

	report := CompareConfig("svc:1", info, domain.DefaultContract())
	assert.False(t, report.Passed)
	assert.Len(t, report.Mismatches, 5)
	assert.Contains(t, strings.Join(report.Mismatches, "\n"), "env lacks PYTHONDONTWRITEBYTECODE=1")
}

func TestCheckEntrypoint_Listening(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	containers := &fakeContainers{addr: strings.TrimPrefix(srv.URL, "http://"), exitAfter: -1}
	v := NewVerifier(containers, &fakeImages{}, nil)
	v.PollInterval = 10 * time.Millisecond

	report, err := v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, report.Listening)
	assert.Equal(t, http.StatusOK, report.HealthStatus)
	assert.Nil(t, report.ExitCode)

	require.Len(t, containers.started, 1)
	assert.Equal(t, domain.RunSpec{Image: "svc:1", Port: 8000}, containers.started[0])
	assert.Equal(t, []string{"c1"}, containers.removed)
}

func TestCheckEntrypoint_ExitsBeforeListening(t *testing.T) {
	// A closed listener gives an address nothing accepts on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	containers := &fakeContainers{
		addr:      addr,
		exitAfter: 2,
		exitCode:  1,
		logs:      "ModuleNotFoundError: No module named 'uvicorn'\n",
	}
	v := NewVerifier(containers, &fakeImages{}, nil)
	v.PollInterval = 5 * time.Millisecond

	report, err := v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, report.Listening)
	require.NotNil(t, report.ExitCode)
	assert.Equal(t, 1, *report.ExitCode)
	assert.Contains(t, report.Logs, "ModuleNotFoundError")
}

func TestCheckEntrypoint_Timeout(t *testing.T) {
	containers := &fakeContainers{exitAfter: -1}
	v := NewVerifier(containers, &fakeImages{}, nil)
	v.PollInterval = 5 * time.Millisecond

	report, err := v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, report.Listening)
	assert.Nil(t, report.ExitCode)
}

func TestCheckEntrypoint_DeadlineDuringInspect(t *testing.T) {
	containers := &fakeContainers{blockExit: true, logs: "INFO:     Waiting for application startup.\n"}
	v := NewVerifier(containers, &fakeImages{}, nil)

	report, err := v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, report.Listening)
	assert.Nil(t, report.ExitCode)
	assert.Contains(t, report.Logs, "Waiting for application startup")
	assert.Equal(t, []string{"c1"}, containers.removed)
}

// acceptAndClose listens on a loopback port and drops every connection,
// the way a port proxy does when nothing listens behind it.
func acceptAndClose(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestCheckEntrypoint_AcceptedConnectionIsNotListening(t *testing.T) {
	addr := acceptAndClose(t)

	containers := &fakeContainers{
		addr:      addr,
		exitAfter: 3,
		exitCode:  1,
		logs:      "ERROR:    Error loading ASGI app. Could not import module \"app.main\".\n",
	}
	v := NewVerifier(containers, &fakeImages{}, nil)
	v.PollInterval = 5 * time.Millisecond

	report, err := v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, report.Listening)
	assert.Zero(t, report.HealthStatus)
	require.NotNil(t, report.ExitCode)
	assert.Equal(t, 1, *report.ExitCode)
	assert.Contains(t, report.Logs, "Could not import module")

	// Still running but never answering: the check times out unanswered.
	containers = &fakeContainers{addr: addr, exitAfter: -1}
	v = NewVerifier(containers, &fakeImages{}, nil)
	v.PollInterval = 5 * time.Millisecond
	report, err = v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, report.Listening)
	assert.Nil(t, report.ExitCode)
}

func TestCheckEntrypoint_StartFailure(t *testing.T) {
	containers := &fakeContainers{startErr: &domain.StartError{
		ExitCode: 127,
		Err:      errors.New(`exec: "uvicorn": executable file not found in $PATH`),
	}}
	v := NewVerifier(containers, &fakeImages{}, nil)

	report, err := v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), time.Second)
	require.NoError(t, err)
	assert.False(t, report.Listening)
	require.NotNil(t, report.ExitCode)
	assert.Equal(t, 127, *report.ExitCode)
	assert.Contains(t, report.Error, "executable file not found")
	assert.Empty(t, containers.removed)

	containers = &fakeContainers{startErr: errors.New("daemon unavailable")}
	v = NewVerifier(containers, &fakeImages{}, nil)
	_, err = v.CheckEntrypoint(context.Background(), "svc:1", domain.DefaultContract(), time.Second)
	assert.EqualError(t, err, "daemon unavailable")
}

func layers(ids ...string) []digest.Digest {
	out := make([]digest.Digest, 0, len(ids))
	for _, id := range ids {
		out = append(out, digest.FromString(id))
	}
	return out
}

func TestCheckLayerCache(t *testing.T) {
	a := &domain.BuildResult{DependencyLayers: layers("base", "deps"), Layers: layers("base", "deps", "src-a")}
	b := &domain.BuildResult{DependencyLayers: layers("base", "deps"), Layers: layers("base", "deps", "src-b")}
	assert.True(t, CheckLayerCache(a, b).Passed)

	changed := &domain.BuildResult{DependencyLayers: layers("base", "deps-2"), Layers: layers("base", "deps-2", "src-b")}
	r := CheckLayerCache(a, changed)
	assert.False(t, r.DependencyLayersEqual)
	assert.True(t, r.Prefixed)
	assert.False(t, r.Passed)

	reordered := &domain.BuildResult{DependencyLayers: layers("base", "deps"), Layers: layers("base", "src-b", "deps")}
	r = CheckLayerCache(a, reordered)
	assert.False(t, r.Prefixed)
}

func TestCheckCacheCleanup(t *testing.T) {
	var seen []domain.BuildRequest
	build := func(_ context.Context, req domain.BuildRequest) (*domain.BuildResult, error) {
		seen = append(seen, req)
		size := int64(150 << 20)
		if !req.Contract.CleanPackageCache {
			size += 20 << 20
		}
		return &domain.BuildResult{Tag: req.Tag, Size: size}, nil
	}
	images := &fakeImages{}
	v := NewVerifier(&fakeContainers{}, images, build)

	report, err := v.CheckCacheCleanup(context.Background(), domain.BuildRequest{Contract: domain.DefaultContract(), Tag: "svc:1"})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Greater(t, report.UncleanSize, report.CleanSize)
	assert.Equal(t, "with cleanup 157.3MB, without 178.3MB", report.String())

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Contract.CleanPackageCache)
	assert.False(t, seen[1].Contract.CleanPackageCache)
	assert.Equal(t, "svc:1-nocleanup", seen[1].Tag)
	assert.Equal(t, []string{"svc:1-nocleanup"}, images.removed)
}

func TestVariantTag(t *testing.T) {
	assert.Equal(t, "svc:1-x", variantTag("svc:1", "x"))
	assert.Equal(t, "localhost:5000/svc:latest-x", variantTag("localhost:5000/svc", "x"))
	assert.Equal(t, "lighthouse-app:latest-x", variantTag("", "x"))
}

func TestCheckReproducible(t *testing.T) {
	containers := &fakeContainers{runs: map[string]*domain.RunOutput{
		"a pip":        {Stdout: "fastapi==0.110.0\nuvicorn==0.29.0\n"},
		"b pip":        {Stdout: "fastapi==0.110.0\nuvicorn==0.30.0\n"},
		"a dpkg-query": {Stdout: "gcc==4:12.2.0-3\n"},
		"b dpkg-query": {Stdout: "gcc==4:12.2.0-3\n"},
	}}
	v := NewVerifier(containers, &fakeImages{}, nil)

	report, err := v.CheckReproducible(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Python, 1)
	assert.Equal(t, "uvicorn", report.Python[0].Name)
	assert.Empty(t, report.System)

	report, err = v.CheckReproducible(context.Background(), "a", "a")
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestCheckReproducible_CommandFails(t *testing.T) {
	containers := &fakeContainers{runs: map[string]*domain.RunOutput{
		"a pip": {ExitCode: 127, Stderr: "pip: not found"},
	}}
	v := NewVerifier(containers, &fakeImages{}, nil)
	_, err := v.CheckReproducible(context.Background(), "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with 127")
}
