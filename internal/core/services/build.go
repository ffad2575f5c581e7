package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/core/ports"
	"github.com/melih/lighthouse-builder/internal/manifest"
)

// DefaultTag is used when a request names no tag.
const DefaultTag = "lighthouse-app:latest"

// BuildService fetches sources and runs builds, synchronously or in the background.
type BuildService struct {
	fetcher ports.SourceFetcher
	builder ports.BuilderService
	store   ports.BuildStore

	// base outlives requests; background builds run under it.
	base context.Context
	sem  chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewBuildService creates a service running at most concurrency background builds at a time.
func NewBuildService(fetcher ports.SourceFetcher, builder ports.BuilderService, store ports.BuildStore, concurrency int) *BuildService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BuildService{
		fetcher: fetcher,
		builder: builder,
		store:   store,
		base:    context.Background(),
		sem:     make(chan struct{}, concurrency),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one build and blocks until it finishes. Warnings describe
// reproducibility gaps found in the inputs; they never fail the build.
func (s *BuildService) Run(ctx context.Context, req domain.BuildRequest) (*domain.BuildResult, []string, error) {
	if req.Tag == "" {
		req.Tag = DefaultTag
	}
	if err := req.Contract.Validate(); err != nil {
		return nil, nil, err
	}
	dir, cleanup, err := s.fetcher.Fetch(ctx, req.Source)
	if err != nil {
		return nil, nil, err
	}
	defer cleanup()

	warnings := Lint(dir, req.Contract)
	for _, w := range warnings {
		log.Warn().Str("source", req.Source.String()).Msg(w)
	}
	result, err := s.builder.BuildImage(ctx, dir, req)
	if err != nil {
		return nil, warnings, err
	}
	return result, warnings, nil
}

// Submit records the request and builds it in the background.
// ctx only bounds the submission; the build itself runs under the service's own context.
func (s *BuildService) Submit(ctx context.Context, req domain.BuildRequest) (*domain.Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Tag == "" {
		req.Tag = DefaultTag
	}
	if err := req.Contract.Validate(); err != nil {
		return nil, err
	}
	if err := req.Source.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidContract, err)
	}
	now := s.now()
	build := &domain.Build{
		ID:        uuid.NewString(),
		Status:    domain.BuildQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Save(build); err != nil {
		return nil, fmt.Errorf("failed to record build: %w", err)
	}

	s.wg.Add(1)
	go func(b domain.Build) {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.execute(s.base, &b)
	}(*build)
	return build, nil
}

func (s *BuildService) execute(ctx context.Context, b *domain.Build) {
	logger := log.With().Str("build", b.ID).Logger()
	b.Status = domain.BuildRunning
	s.save(b)

	result, warnings, err := s.Run(ctx, b.Request)
	b.Warnings = warnings
	b.Result = result
	if err != nil {
		b.Status = domain.BuildFailed
		var be *domain.BuildError
		if errors.As(err, &be) {
			b.Error = be
		} else {
			b.Failure = err.Error()
		}
		logger.Error().Err(err).Msg("Build failed")
	} else {
		b.Status = domain.BuildSucceeded
		logger.Info().Str("image", result.ImageID).Msg("Build succeeded")
	}
	s.save(b)
}

func (s *BuildService) save(b *domain.Build) {
	b.UpdatedAt = s.now()
	if err := s.store.Save(b); err != nil {
		log.Error().Err(err).Str("build", b.ID).Msg("Failed to record build state")
	}
}

// Get returns a submitted build.
func (s *BuildService) Get(id string) (*domain.Build, error) {
	return s.store.Get(id)
}

// List returns all submitted builds.
func (s *BuildService) List() ([]*domain.Build, error) {
	return s.store.List()
}

// Wait blocks until all background builds have finished.
func (s *BuildService) Wait() {
	s.wg.Wait()
}

// Lint reports reproducibility gaps of a source tree under contract c.
func Lint(dir string, c domain.Contract) []string {
	var warnings []string
	if c.Base.Digest == "" {
		warnings = append(warnings, fmt.Sprintf("base image %s is not pinned to a digest", c.Base.Reference()))
	}
	f, err := os.Open(filepath.Join(dir, c.Manifest))
	if err != nil {
		return append(warnings, fmt.Sprintf("dependency manifest %s is not readable: %v", c.Manifest, err))
	}
	defer f.Close()
	m, err := manifest.Parse(f)
	if m == nil {
		return append(warnings, fmt.Sprintf("dependency manifest %s: %v", c.Manifest, err))
	}
	for _, e := range m.Invalid {
		warnings = append(warnings, fmt.Sprintf("%s:%d: %v", c.Manifest, e.Line, e.Err))
	}
	for _, r := range m.Unpinned() {
		warnings = append(warnings, fmt.Sprintf("%s:%d: %s is not pinned to an exact version", c.Manifest, r.Line, r.Name))
	}
	return warnings
}
