package ports

import (
	"context"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

// BuilderService defines operations for building container images from source code.
type BuilderService interface {
	// BuildImage renders the request's contract, builds it against the source
	// tree in dir and returns the built image. A failed build returns a
	// *domain.BuildError.
	BuildImage(ctx context.Context, dir string, req domain.BuildRequest) (*domain.BuildResult, error)
}

// SourceFetcher materializes a build source on the local filesystem.
type SourceFetcher interface {
	// Fetch returns the directory holding the source tree and a cleanup func
	// that must be called once the build no longer needs it.
	Fetch(ctx context.Context, src domain.Source) (dir string, cleanup func(), err error)
}

// BuildStore keeps submitted builds.
type BuildStore interface {
	Save(build *domain.Build) error
	Get(id string) (*domain.Build, error)
	List() ([]*domain.Build, error)
}
