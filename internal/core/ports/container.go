package ports

import (
	"context"
	"io"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

// ContainerService defines the core operations for managing containers.
// This interface allows us to switch between Docker, Podman, or Kubernetes
// without changing the business logic.
type ContainerService interface {
	ListContainers(ctx context.Context) ([]domain.Container, error)
	// StartContainer returns a *domain.StartError when the container was
	// created but its process could not be started; nothing is left behind then.
	StartContainer(ctx context.Context, spec domain.RunSpec) (string, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
	// HostAddress returns the host address the container's port is published on.
	HostAddress(ctx context.Context, id string, port int) (string, error)
	// ExitCode returns the exit code of a stopped container, or running=true.
	ExitCode(ctx context.Context, id string) (code int, running bool, err error)
	// Run starts spec and waits for it to exit, capturing its output.
	Run(ctx context.Context, spec domain.RunSpec) (*domain.RunOutput, error)
}

// ImageService inspects and manages local images.
type ImageService interface {
	InspectImage(ctx context.Context, ref string) (*domain.ImageInfo, error)
	RemoveImage(ctx context.Context, ref string) error
	SaveImage(ctx context.Context, ref string, w io.Writer) error
}
