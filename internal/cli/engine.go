package cli

import (
	"context"

	"github.com/melih/lighthouse-builder/internal/adapters/builder"
	"github.com/melih/lighthouse-builder/internal/adapters/docker"
	"github.com/melih/lighthouse-builder/internal/adapters/memory"
	"github.com/melih/lighthouse-builder/internal/adapters/source"
	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/core/services"
)

// engine holds the services that need a Docker engine.
type engine struct {
	docker   *docker.Adapter
	builds   *services.BuildService
	verifier *services.Verifier
}

// connect wires the Docker backed services on first use, so commands
// that only render or read files work without an engine.
func (o *options) connect() (*engine, error) {
	if o.engine != nil {
		return o.engine, nil
	}
	dockerAdapter, err := docker.NewAdapter()
	if err != nil {
		return nil, err
	}
	builds := services.NewBuildService(
		source.NewFetcher(o.cfg.Build.TempDir),
		builder.NewBuilderAdapter(dockerAdapter.Client()),
		memory.NewBuildStore(),
		o.cfg.Server.BuildConcurrency,
	)
	verifier := services.NewVerifier(dockerAdapter, dockerAdapter, func(ctx context.Context, req domain.BuildRequest) (*domain.BuildResult, error) {
		result, _, err := builds.Run(ctx, req)
		return result, err
	})
	o.engine = &engine{docker: dockerAdapter, builds: builds, verifier: verifier}
	return o.engine, nil
}
