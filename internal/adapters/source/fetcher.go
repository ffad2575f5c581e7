package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog/log"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/logging"
)

// Fetcher implements ports.SourceFetcher for local trees and git repositories.
type Fetcher struct {
	// TempDir is the parent for clone directories; empty uses the OS default.
	TempDir string
}

// NewFetcher creates a source fetcher.
func NewFetcher(tempDir string) *Fetcher {
	return &Fetcher{TempDir: tempDir}
}

// Fetch returns a local directory holding the source tree.
func (f *Fetcher) Fetch(ctx context.Context, src domain.Source) (string, func(), error) {
	if err := src.Validate(); err != nil {
		return "", nil, err
	}
	if src.Path != "" {
		info, err := os.Stat(src.Path)
		if err != nil {
			return "", nil, &domain.BuildError{Kind: domain.FailureSourceCopy, Message: err.Error()}
		}
		if !info.IsDir() {
			return "", nil, &domain.BuildError{Kind: domain.FailureSourceCopy, Message: src.Path + " is not a directory"}
		}
		return src.Path, func() {}, nil
	}
	return f.clone(ctx, src)
}

func (f *Fetcher) clone(ctx context.Context, src domain.Source) (string, func(), error) {
	tmpDir, err := os.MkdirTemp(f.TempDir, "lighthouse-build-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warn().Err(err).Str("dir", tmpDir).Msg("Failed to remove clone directory")
		}
	}

	log.Info().Str("repo", src.RepoURL).Str("ref", src.Ref).Str("dir", tmpDir).Msg("Cloning source")
	opts := &git.CloneOptions{
		URL:      src.RepoURL,
		Progress: logging.Writer("git"),
		Depth:    1, // Shallow clone for speed
	}
	if src.Ref == "" {
		_, err = git.PlainCloneContext(ctx, tmpDir, false, opts)
	} else {
		err = cloneRef(ctx, tmpDir, opts, src.Ref)
	}
	if err != nil {
		cleanup()
		return "", nil, &domain.BuildError{Kind: domain.FailureSourceCopy, Message: fmt.Sprintf("failed to clone repo: %v", err)}
	}
	return tmpDir, cleanup, nil
}

// cloneRef tries ref as a branch, then as a tag.
func cloneRef(ctx context.Context, dir string, opts *git.CloneOptions, ref string) error {
	opts.SingleBranch = true
	opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	_, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err == nil || !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return err
	}
	if err := resetDir(dir); err != nil {
		return err
	}
	opts.ReferenceName = plumbing.NewTagReferenceName(ref)
	_, err = git.PlainCloneContext(ctx, dir, false, opts)
	return err
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to reset clone dir: %w", err)
	}
	return os.MkdirAll(dir, 0o700)
}
