package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

type fakeFetcher struct {
	dir     string
	err     error
	cleaned int
}

func (f *fakeFetcher) Fetch(context.Context, domain.Source) (string, func(), error) {
	if f.err != nil {
		return "", nil, f.err
	}
	return f.dir, func() { f.cleaned++ }, nil
}

type fakeBuilder struct {
	mu       sync.Mutex
	requests []domain.BuildRequest
	ctxs     []context.Context
	build    func(req domain.BuildRequest) (*domain.BuildResult, error)
}

func (f *fakeBuilder) BuildImage(ctx context.Context, _ string, req domain.BuildRequest) (*domain.BuildResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()
	return f.build(req)
}

type fakeContainers struct {
	mu      sync.Mutex
	started []domain.RunSpec
	removed []string
	addr    string
	// exitAfter reports the container as exited with exitCode after this many polls; negative never exits.
	exitAfter int
	exitCode  int
	polls     int
	logs      string
	runs      map[string]*domain.RunOutput
	startErr  error
	// blockExit makes ExitCode wait for the context to end.
	blockExit bool
}

func (f *fakeContainers) ListContainers(context.Context) ([]domain.Container, error) {
	return nil, nil
}

func (f *fakeContainers) StartContainer(_ context.Context, spec domain.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, spec)
	return "c1", nil
}

func (f *fakeContainers) StopContainer(context.Context, string) error { return nil }

func (f *fakeContainers) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) GetContainerLogs(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeContainers) HostAddress(context.Context, string, int) (string, error) {
	if f.addr == "" {
		return "", errors.New("port not published")
	}
	return f.addr, nil
}

func (f *fakeContainers) ExitCode(ctx context.Context, _ string) (int, bool, error) {
	if f.blockExit {
		<-ctx.Done()
		return 0, false, ctx.Err()
	}
	f.polls++
	if f.exitAfter >= 0 && f.polls > f.exitAfter {
		return f.exitCode, false, nil
	}
	return 0, true, nil
}

func (f *fakeContainers) Run(_ context.Context, spec domain.RunSpec) (*domain.RunOutput, error) {
	out, ok := f.runs[spec.Image+" "+spec.Cmd[0]]
	if !ok {
		return nil, errors.New("unexpected run")
	}
	return out, nil
}

type fakeImages struct {
	info    map[string]*domain.ImageInfo
	removed []string
}

func (f *fakeImages) InspectImage(_ context.Context, ref string) (*domain.ImageInfo, error) {
	info, ok := f.info[ref]
	if !ok {
		return nil, errors.New("no such image")
	}
	return info, nil
}

func (f *fakeImages) RemoveImage(_ context.Context, ref string) error {
	f.removed = append(f.removed, ref)
	return nil
}

func (f *fakeImages) SaveImage(context.Context, string, io.Writer) error { return nil }
