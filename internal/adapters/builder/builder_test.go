package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/plan"
)

const (
	baseLayer = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
	depLayer  = "sha256:2222222222222222222222222222222222222222222222222222222222222222"
	srcLayer  = "sha256:3333333333333333333333333333333333333333333333333333333333333333"
)

func streamOf(t *testing.T, msgs ...map[string]any) io.ReadCloser {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, json.NewEncoder(&buf).Encode(m))
	}
	return io.NopCloser(&buf)
}

func stepLines(p *plan.BuildPlan, upTo int) []map[string]any {
	var out []map[string]any
	for i := 1; i <= upTo; i++ {
		s, _ := p.StepAt(i)
		out = append(out, map[string]any{"stream": fmt.Sprintf("Step %d/%d : %s\n", i, len(p.Steps), s.Instruction)})
		if i <= 3 {
			out = append(out, map[string]any{"stream": " ---> Using cache\n"})
		}
	}
	return out
}

type fakeEngine struct {
	t        *testing.T
	builds   []types.ImageBuildOptions
	contexts [][]byte
	respond  func(opts types.ImageBuildOptions) io.ReadCloser
	images   map[string]types.ImageInspect
}

func (f *fakeEngine) ImageBuild(_ context.Context, buildContext io.Reader, opts types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	data, err := io.ReadAll(buildContext)
	require.NoError(f.t, err)
	f.builds = append(f.builds, opts)
	f.contexts = append(f.contexts, data)
	return types.ImageBuildResponse{Body: f.respond(opts)}, nil
}

func (f *fakeEngine) ImageInspectWithRaw(_ context.Context, id string) (types.ImageInspect, []byte, error) {
	img, ok := f.images[id]
	if !ok {
		return types.ImageInspect{}, nil, errors.New("no such image")
	}
	return img, nil, nil
}

func sourceDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("fastapi==0.110.0\n"), 0o644))
	return dir
}

func TestBuildImage_Success(t *testing.T) {
	contract := domain.DefaultContract()
	p, err := plan.New(contract)
	require.NoError(t, err)

	fake := &fakeEngine{t: t, images: map[string]types.ImageInspect{
		"sha256:deps": {ID: "sha256:deps", RootFS: types.RootFS{Layers: []string{baseLayer, depLayer}}},
		"sha256:app":  {ID: "sha256:app", Size: 2048, RepoTags: []string{"svc:1"}, RootFS: types.RootFS{Layers: []string{baseLayer, depLayer, srcLayer}}},
	}}
	fake.respond = func(opts types.ImageBuildOptions) io.ReadCloser {
		if opts.Target == plan.DependencyTarget {
			msgs := append(stepLines(p, p.DependencyStepCount()), map[string]any{"aux": map[string]string{"ID": "sha256:deps"}})
			return streamOf(t, msgs...)
		}
		msgs := append(stepLines(p, len(p.Steps)), map[string]any{"aux": map[string]string{"ID": "sha256:app"}})
		return streamOf(t, msgs...)
	}

	res, err := NewBuilderAdapter(fake).BuildImage(context.Background(), sourceDir(t), domain.BuildRequest{
		Contract: contract,
		Tag:      "svc:1",
	})
	require.NoError(t, err)

	require.Len(t, fake.builds, 2)
	assert.Equal(t, plan.DependencyTarget, fake.builds[0].Target)
	assert.Equal(t, []string{"svc:1"}, fake.builds[1].Tags)
	assert.Equal(t, types.BuilderV1, fake.builds[1].Version)
	assert.Equal(t, ".lighthouse.Dockerfile", fake.builds[1].Dockerfile)
	assert.True(t, bytes.Contains(fake.contexts[1], []byte("RUN pip install --no-cache-dir -r requirements.txt")))

	assert.Equal(t, "sha256:app", res.ImageID)
	assert.Equal(t, "sha256:deps", res.DependencyImageID)
	assert.Len(t, res.Layers, 3)
	assert.Len(t, res.DependencyLayers, 2)
	assert.Equal(t, int64(2048), res.Size)
	assert.Len(t, res.Steps, len(p.Steps))
	assert.Equal(t, 3, res.CachedSteps())
	assert.Equal(t, p.Dockerfile(), res.Dockerfile)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestBuildImage_ClassifiesFailures(t *testing.T) {
	contract := domain.DefaultContract()
	p, err := plan.New(contract)
	require.NoError(t, err)

	tests := []struct {
		name     string
		failAt   int
		message  string
		wantKind domain.FailureKind
	}{
		{"base image", 1, "pull access denied for python, repository does not exist", domain.FailureBaseImage},
		{"system packages", 4, "The command '/bin/sh -c apt-get update' returned a non-zero code: 100", domain.FailureSystemPackages},
		{"manifest copy", 5, "COPY failed: file not found in build context", domain.FailureSourceCopy},
		{"dependencies", 6, "The command '/bin/sh -c pip install' returned a non-zero code: 1", domain.FailureDependencies},
		{"before first step", 0, "unexpected EOF in context", domain.FailureSourceCopy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEngine{t: t}
			fake.respond = func(types.ImageBuildOptions) io.ReadCloser {
				msgs := append(stepLines(p, tt.failAt), map[string]any{
					"errorDetail": map[string]any{"message": tt.message},
					"error":       tt.message,
				})
				return streamOf(t, msgs...)
			}

			_, err := NewBuilderAdapter(fake).BuildImage(context.Background(), sourceDir(t), domain.BuildRequest{Contract: contract})
			require.Error(t, err)
			var be *domain.BuildError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.wantKind, be.Kind)
			assert.Equal(t, tt.failAt, be.Step)
			assert.Equal(t, tt.message, be.Message)
			assert.True(t, IsBuildError(err))
			// Fatal: no retry, no second build.
			assert.Len(t, fake.builds, 1)
		})
	}
}

func TestBuildImage_InvalidContract(t *testing.T) {
	contract := domain.DefaultContract()
	contract.Port = 0
	fake := &fakeEngine{t: t}
	_, err := NewBuilderAdapter(fake).BuildImage(context.Background(), sourceDir(t), domain.BuildRequest{Contract: contract})
	assert.ErrorIs(t, err, domain.ErrInvalidContract)
	assert.Empty(t, fake.builds)
}

func TestConsume_SuccessfullyBuiltFallback(t *testing.T) {
	p, err := plan.New(domain.DefaultContract())
	require.NoError(t, err)
	body := streamOf(t,
		map[string]any{"stream": "Step 1/10 : FROM python:3.11-slim AS dependencies\n"},
		map[string]any{"stream": "Successfully built 0123abcd\n"},
	)
	id, steps, err := consume(body, p)
	require.NoError(t, err)
	assert.Equal(t, "0123abcd", id)
	assert.Len(t, steps, 1)
}

func TestConsume_NoImageID(t *testing.T) {
	p, err := plan.New(domain.DefaultContract())
	require.NoError(t, err)
	_, _, err = consume(strings.NewReader(`{"stream":"hello\n"}`), p)
	require.Error(t, err)
	assert.False(t, IsBuildError(err))
}

func TestClassify_BaseImageBeforeFirstStep(t *testing.T) {
	p, err := plan.New(domain.DefaultContract())
	require.NoError(t, err)
	be := classify(p, 0, "manifest for python:3.11-slim not found")
	assert.Equal(t, domain.FailureBaseImage, be.Kind)
}
