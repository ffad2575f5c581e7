package docker

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/opencontainers/go-digest"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

// InspectImage returns what the engine knows about ref.
func (a *Adapter) InspectImage(ctx context.Context, ref string) (*domain.ImageInfo, error) {
	inspect, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return ImageInfo(inspect)
}

// RemoveImage deletes ref and its untagged parents.
func (a *Adapter) RemoveImage(ctx context.Context, ref string) error {
	if _, err := a.cli.ImageRemove(ctx, ref, types.ImageRemoveOptions{Force: true, PruneChildren: true}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// SaveImage writes ref as an image archive to w.
func (a *Adapter) SaveImage(ctx context.Context, ref string, w io.Writer) error {
	rc, err := a.cli.ImageSave(ctx, []string{ref})
	if err != nil {
		return fmt.Errorf("failed to save image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("failed to write image archive: %w", err)
	}
	return nil
}

// ImageInfo converts an engine inspect response.
func ImageInfo(inspect types.ImageInspect) (*domain.ImageInfo, error) {
	info := &domain.ImageInfo{
		ID:          inspect.ID,
		RepoTags:    inspect.RepoTags,
		RepoDigests: inspect.RepoDigests,
		Size:        inspect.Size,
	}
	for _, l := range inspect.RootFS.Layers {
		d, err := digest.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("image %s has invalid layer %q: %w", inspect.ID, l, err)
		}
		info.Layers = append(info.Layers, d)
	}
	if cfg := inspect.Config; cfg != nil {
		info.Env = cfg.Env
		info.Cmd = []string(cfg.Cmd)
		info.Entrypoint = []string(cfg.Entrypoint)
		info.WorkingDir = cfg.WorkingDir
		for p := range cfg.ExposedPorts {
			info.ExposedPorts = append(info.ExposedPorts, string(p))
		}
		sort.Strings(info.ExposedPorts)
	}
	return info, nil
}
