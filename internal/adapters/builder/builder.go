package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/rs/zerolog/log"

	"github.com/melih/lighthouse-builder/internal/adapters/docker"
	"github.com/melih/lighthouse-builder/internal/adapters/source"
	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/plan"
)

// engine is the part of the Docker client the builder needs.
type engine interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// Adapter implements ports.BuilderService on a Docker engine.
type Adapter struct {
	cli engine
}

// NewBuilderAdapter wraps an existing client, usually the one of docker.Adapter.
func NewBuilderAdapter(cli engine) *Adapter {
	return &Adapter{cli: cli}
}

// BuildImage builds the dependency stage, then the full image, from the tree in dir.
func (a *Adapter) BuildImage(ctx context.Context, dir string, req domain.BuildRequest) (*domain.BuildResult, error) {
	p, err := plan.New(req.Contract)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	dockerfile := p.Dockerfile()
	result := &domain.BuildResult{
		Tag:        req.Tag,
		Dockerfile: dockerfile,
		StartedAt:  time.Now().UTC(),
	}

	log.Info().Str("source", dir).Str("target", plan.DependencyTarget).Msg("Building dependency layers")
	depID, _, err := a.build(ctx, dir, p, types.ImageBuildOptions{
		Target:  plan.DependencyTarget,
		NoCache: req.NoCache,
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("source", dir).Str("tag", req.Tag).Msg("Building image")
	opts := types.ImageBuildOptions{NoCache: req.NoCache}
	if req.Tag != "" {
		opts.Tags = []string{req.Tag}
	}
	imageID, steps, err := a.build(ctx, dir, p, opts)
	if err != nil {
		return nil, err
	}
	result.Steps = steps

	depInfo, err := a.inspect(ctx, depID)
	if err != nil {
		return nil, err
	}
	info, err := a.inspect(ctx, imageID)
	if err != nil {
		return nil, err
	}
	result.DependencyImageID = depInfo.ID
	result.DependencyLayers = depInfo.Layers
	result.ImageID = info.ID
	result.Layers = info.Layers
	result.Size = info.Size
	result.RepoDigests = info.RepoDigests
	result.FinishedAt = time.Now().UTC()

	log.Info().
		Str("image", result.ImageID).
		Int("steps", len(result.Steps)).
		Int("cached", result.CachedSteps()).
		Int64("size", result.Size).
		Msg("Build finished")
	return result, nil
}

func (a *Adapter) build(ctx context.Context, dir string, p *plan.BuildPlan, opts types.ImageBuildOptions) (string, []domain.StepResult, error) {
	buildCtx, err := source.Context(dir, p.Dockerfile())
	if err != nil {
		return "", nil, &domain.BuildError{Kind: domain.FailureSourceCopy, Message: err.Error()}
	}
	defer buildCtx.Close()

	opts.Dockerfile = source.DockerfileName
	opts.Version = types.BuilderV1
	opts.Remove = true // Remove intermediate containers
	opts.ForceRemove = true
	resp, err := a.cli.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	return consume(resp.Body, p)
}

func (a *Adapter) inspect(ctx context.Context, ref string) (*domain.ImageInfo, error) {
	raw, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return docker.ImageInfo(raw)
}

// IsBuildError reports whether err is a classified build failure.
func IsBuildError(err error) bool {
	var be *domain.BuildError
	return errors.As(err, &be)
}

// auxID is the aux payload the engine sends with the built image ID.
type auxID struct {
	ID string `json:"ID"`
}

func decodeAux(raw *json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var aux auxID
	if err := json.Unmarshal(*raw, &aux); err != nil {
		return ""
	}
	return aux.ID
}
