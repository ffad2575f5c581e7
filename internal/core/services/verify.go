package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/core/ports"
	"github.com/melih/lighthouse-builder/internal/manifest"
)

// HealthPath is requested to confirm the entrypoint serves HTTP.
const HealthPath = "/health"

// BuildFunc runs one build to completion.
type BuildFunc func(ctx context.Context, req domain.BuildRequest) (*domain.BuildResult, error)

// Verifier checks built images against their contract.
type Verifier struct {
	containers ports.ContainerService
	images     ports.ImageService
	build      BuildFunc

	PollInterval time.Duration
	HTTPClient   *http.Client
}

func NewVerifier(containers ports.ContainerService, images ports.ImageService, build BuildFunc) *Verifier {
	return &Verifier{
		containers:   containers,
		images:       images,
		build:        build,
		PollInterval: 250 * time.Millisecond,
		HTTPClient:   &http.Client{Timeout: 2 * time.Second},
	}
}

// ConfigReport lists differences between an image's config and its contract.
type ConfigReport struct {
	Image      string   `json:"image"`
	Mismatches []string `json:"mismatches,omitempty"`
	Passed     bool     `json:"passed"`
}

// CheckConfig compares the image configuration with c.ExpectedConfig.
func (v *Verifier) CheckConfig(ctx context.Context, image string, c domain.Contract) (*ConfigReport, error) {
	info, err := v.images.InspectImage(ctx, image)
	if err != nil {
		return nil, err
	}
	return CompareConfig(image, info, c), nil
}

// CompareConfig checks info against the configuration c requires.
func CompareConfig(image string, info *domain.ImageInfo, c domain.Contract) *ConfigReport {
	want := c.ExpectedConfig()
	report := &ConfigReport{Image: image}
	if !slices.Equal(info.Cmd, want.Cmd) {
		report.Mismatches = append(report.Mismatches, fmt.Sprintf("cmd is %q, want %q", info.Cmd, want.Cmd))
	}
	if len(info.Entrypoint) > 0 {
		report.Mismatches = append(report.Mismatches, fmt.Sprintf("entrypoint %q would wrap the command", info.Entrypoint))
	}
	for _, e := range want.Env {
		if !slices.Contains(info.Env, e) {
			report.Mismatches = append(report.Mismatches, "env lacks "+e)
		}
	}
	if info.WorkingDir != want.WorkingDir {
		report.Mismatches = append(report.Mismatches, fmt.Sprintf("working dir is %q, want %q", info.WorkingDir, want.WorkingDir))
	}
	for p := range want.ExposedPorts {
		if !slices.Contains(info.ExposedPorts, p) {
			report.Mismatches = append(report.Mismatches, "port "+p+" is not exposed")
		}
	}
	report.Passed = len(report.Mismatches) == 0
	return report
}

// EntrypointReport describes a run of the image with no arguments.
type EntrypointReport struct {
	Image     string `json:"image"`
	Listening bool   `json:"listening"`
	Address   string `json:"address,omitempty"`
	// HealthStatus is the HTTP status returned for HealthPath.
	HealthStatus int `json:"health_status,omitempty"`
	// ExitCode is set when the process exited, or never started, before listening.
	ExitCode *int `json:"exit_code,omitempty"`
	// Error is the engine's message when the process could not be started.
	Error string `json:"error,omitempty"`
	Logs  string `json:"logs,omitempty"`
}

// CheckEntrypoint starts image with no arguments and waits until the server
// answers HTTP on its declared port, the process exits, or timeout elapses.
// An accepted connection alone does not count: the engine's port proxy accepts
// connections even when nothing listens inside the container.
func (v *Verifier) CheckEntrypoint(ctx context.Context, image string, c domain.Contract, timeout time.Duration) (*EntrypointReport, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := &EntrypointReport{Image: image}
	id, err := v.containers.StartContainer(ctx, domain.RunSpec{Image: image, Port: c.Port})
	var startErr *domain.StartError
	if errors.As(err, &startErr) {
		code := startErr.ExitCode
		report.ExitCode = &code
		report.Error = startErr.Err.Error()
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := v.containers.RemoveContainer(context.Background(), id); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("Failed to remove verification container")
		}
	}()

	ticker := time.NewTicker(v.PollInterval)
	defer ticker.Stop()
	for {
		code, running, err := v.containers.ExitCode(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				report.Logs = v.logs(id)
				return report, nil
			}
			return nil, err
		}
		if !running {
			report.ExitCode = &code
			report.Logs = v.logs(id)
			return report, nil
		}
		if addr, err := v.containers.HostAddress(ctx, id, c.Port); err == nil {
			if status := v.healthStatus(ctx, addr); status != 0 {
				report.Listening = true
				report.Address = addr
				report.HealthStatus = status
				return report, nil
			}
		}
		select {
		case <-ctx.Done():
			report.Logs = v.logs(id)
			return report, nil
		case <-ticker.C:
		}
	}
}

// healthStatus returns the HTTP status of the health path, zero if no response arrived.
func (v *Verifier) healthStatus(ctx context.Context, addr string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+HealthPath, nil)
	if err != nil {
		return 0
	}
	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func (v *Verifier) logs(id string) string {
	rc, err := v.containers.GetContainerLogs(context.Background(), id)
	if err != nil {
		return ""
	}
	defer rc.Close()
	data, _ := io.ReadAll(io.LimitReader(rc, 64<<10))
	return string(data)
}

// LayerCacheReport compares the layers of two builds of the same contract.
type LayerCacheReport struct {
	DependencyLayersEqual bool `json:"dependency_layers_equal"`
	// Prefixed is true when each image's layers start with its dependency layers.
	Prefixed bool `json:"prefixed"`
	Passed   bool `json:"passed"`
}

// CheckLayerCache reports whether b reused a's dependency layers.
func CheckLayerCache(a, b *domain.BuildResult) *LayerCacheReport {
	r := &LayerCacheReport{
		DependencyLayersEqual: len(a.DependencyLayers) > 0 && slices.Equal(a.DependencyLayers, b.DependencyLayers),
		Prefixed:              hasPrefix(a.Layers, a.DependencyLayers) && hasPrefix(b.Layers, b.DependencyLayers),
	}
	r.Passed = r.DependencyLayersEqual && r.Prefixed
	return r
}

func hasPrefix(layers, prefix []digest.Digest) bool {
	return len(layers) >= len(prefix) && slices.Equal(layers[:len(prefix)], prefix)
}

// CleanupReport compares image sizes with and without package cache cleanup.
type CleanupReport struct {
	CleanSize   int64 `json:"clean_size"`
	UncleanSize int64 `json:"unclean_size"`
	Passed      bool  `json:"passed"`
}

func (r *CleanupReport) String() string {
	return fmt.Sprintf("with cleanup %s, without %s", units.HumanSize(float64(r.CleanSize)), units.HumanSize(float64(r.UncleanSize)))
}

// CheckCacheCleanup builds req twice, once without the cleanup in the
// system package step, and expects the uncleaned image to be larger.
func (v *Verifier) CheckCacheCleanup(ctx context.Context, req domain.BuildRequest) (*CleanupReport, error) {
	req.Contract.CleanPackageCache = true
	clean, err := v.build(ctx, req)
	if err != nil {
		return nil, err
	}

	unclean := req
	unclean.Contract.CleanPackageCache = false
	unclean.Tag = variantTag(req.Tag, "nocleanup")
	dirty, err := v.build(ctx, unclean)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := v.images.RemoveImage(context.Background(), unclean.Tag); err != nil {
			log.Warn().Err(err).Str("image", unclean.Tag).Msg("Failed to remove comparison image")
		}
	}()

	return &CleanupReport{
		CleanSize:   clean.Size,
		UncleanSize: dirty.Size,
		Passed:      dirty.Size > clean.Size,
	}, nil
}

func variantTag(tag, suffix string) string {
	if tag == "" {
		tag = DefaultTag
	}
	name, version := tag, "latest"
	if i := strings.LastIndex(tag, ":"); i > strings.LastIndex(tag, "/") {
		name, version = tag[:i], tag[i+1:]
	}
	return name + ":" + version + "-" + suffix
}

// ReproReport lists installed package differences between two images.
type ReproReport struct {
	Python []manifest.Difference `json:"python,omitempty"`
	System []manifest.Difference `json:"system,omitempty"`
	Passed bool                  `json:"passed"`
}

var (
	pythonPackages = []string{"pip", "freeze", "--all"}
	systemPackages = []string{"dpkg-query", "-W", "-f=${Package}==${Version}\n"}
)

// CheckReproducible compares installed language and system package versions of two images.
func (v *Verifier) CheckReproducible(ctx context.Context, imageA, imageB string) (*ReproReport, error) {
	report := &ReproReport{}
	for _, check := range []struct {
		cmd  []string
		dest *[]manifest.Difference
	}{
		{pythonPackages, &report.Python},
		{systemPackages, &report.System},
	} {
		a, err := v.packages(ctx, imageA, check.cmd)
		if err != nil {
			return nil, err
		}
		b, err := v.packages(ctx, imageB, check.cmd)
		if err != nil {
			return nil, err
		}
		*check.dest = manifest.Diff(a, b)
	}
	report.Passed = len(report.Python) == 0 && len(report.System) == 0
	return report, nil
}

func (v *Verifier) packages(ctx context.Context, image string, cmd []string) (map[string]string, error) {
	out, err := v.containers.Run(ctx, domain.RunSpec{Image: image, Cmd: cmd})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("%s in %s exited with %d: %s", cmd[0], image, out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return manifest.Freeze(strings.NewReader(out.Stdout))
}
