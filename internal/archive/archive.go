// Package archive reads image archives written by docker save.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"

	tarfs "github.com/nlepage/go-tarfs"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

// manifestEntry is one element of the archive's manifest.json.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Image is one image found in an archive.
type Image struct {
	RepoTags []string
	Config   imagespec.Image
	// LayerPaths are the archive paths of the layer blobs, base first.
	LayerPaths []string
}

// Open reads every image in the archive at p.
func Open(p string) ([]Image, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("unable to open image archive: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read reads every image in an archive stream.
func Read(r io.Reader) ([]Image, error) {
	tfs, err := tarfs.New(r)
	if err != nil {
		return nil, fmt.Errorf("unable to open image archive as tar: %w", err)
	}
	entries, err := readJSON[[]manifestEntry](tfs, "manifest.json")
	if err != nil {
		return nil, err
	}
	images := make([]Image, 0, len(entries))
	for _, e := range entries {
		cfg, err := readJSON[imagespec.Image](tfs, path.Clean(e.Config))
		if err != nil {
			return nil, fmt.Errorf("unable to find config %s referenced in manifest: %w", e.Config, err)
		}
		for _, l := range e.Layers {
			if _, err := fs.Stat(tfs, path.Clean(l)); err != nil {
				return nil, fmt.Errorf("layer %s referenced in manifest is missing: %w", l, err)
			}
		}
		images = append(images, Image{RepoTags: e.RepoTags, Config: cfg, LayerPaths: e.Layers})
	}
	return images, nil
}

func readJSON[T any](tfs fs.FS, p string) (out T, err error) {
	contents, err := fs.ReadFile(tfs, p)
	if err != nil {
		return out, fmt.Errorf("unable to read file %s in archive: %w", p, err)
	}
	if err := json.Unmarshal(contents, &out); err != nil {
		return out, fmt.Errorf("error unmarshaling %s as json: %w", p, err)
	}
	return out, nil
}

// Info returns the image in the form the engine reports for local images.
func (i Image) Info() *domain.ImageInfo {
	info := &domain.ImageInfo{
		RepoTags:   i.RepoTags,
		Layers:     i.Config.RootFS.DiffIDs,
		Env:        i.Config.Config.Env,
		Cmd:        i.Config.Config.Cmd,
		Entrypoint: i.Config.Config.Entrypoint,
		WorkingDir: i.Config.Config.WorkingDir,
	}
	for p := range i.Config.Config.ExposedPorts {
		info.ExposedPorts = append(info.ExposedPorts, p)
	}
	sort.Strings(info.ExposedPorts)
	return info
}
