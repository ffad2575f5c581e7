package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// ErrBuildNotFound is returned when a build ID is unknown.
var ErrBuildNotFound = errors.New("build not found")

// Stage is a position in the layering order. Plans must never step backwards.
type Stage int

const (
	StageBase Stage = iota
	StageFlags
	StageSystem
	StageManifest
	StageDependencies
	StageSource
	StageNetwork
	StageEntrypoint
)

var stageNames = [...]string{"base", "flags", "system", "manifest", "dependencies", "source", "network", "entrypoint"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// FailureKind classifies a fatal build failure.
type FailureKind string

const (
	FailureBaseImage      FailureKind = "base-image"
	FailureSystemPackages FailureKind = "system-packages"
	FailureDependencies   FailureKind = "dependencies"
	FailureSourceCopy     FailureKind = "source-copy"
)

// BuildError is the single fatal error of a failed build.
type BuildError struct {
	Kind FailureKind `json:"kind"`
	// Step is the 1-based step the engine was executing, zero if none had started.
	Step        int    `json:"step"`
	Instruction string `json:"instruction,omitempty"`
	Message     string `json:"message"`
}

func (e *BuildError) Error() string {
	if e.Step == 0 {
		return fmt.Sprintf("%s failure: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s failure at step %d (%s): %s", e.Kind, e.Step, e.Instruction, e.Message)
}

// Source is where the application tree comes from. Exactly one of Path and RepoURL is set.
type Source struct {
	Path    string `json:"path,omitempty"`
	RepoURL string `json:"repo_url,omitempty"`
	// Ref is a branch or tag name for RepoURL sources.
	Ref string `json:"ref,omitempty"`
}

func (s Source) String() string {
	if s.RepoURL != "" {
		if s.Ref != "" {
			return s.RepoURL + "#" + s.Ref
		}
		return s.RepoURL
	}
	return s.Path
}

// Validate checks that exactly one origin is set.
func (s Source) Validate() error {
	if (s.Path == "") == (s.RepoURL == "") {
		return errors.New("source requires exactly one of path or repo url")
	}
	return nil
}

// BuildRequest asks for one image build.
type BuildRequest struct {
	Contract Contract `json:"contract"`
	Source   Source   `json:"source"`
	Tag      string   `json:"tag"`
	NoCache  bool     `json:"no_cache"`
}

// StepResult reports one executed build step.
type StepResult struct {
	Index       int    `json:"index"`
	Instruction string `json:"instruction"`
	Cached      bool   `json:"cached"`
}

// BuildResult describes a successfully built image.
type BuildResult struct {
	Tag               string          `json:"tag"`
	ImageID           string          `json:"image_id"`
	DependencyImageID string          `json:"dependency_image_id"`
	Layers            []digest.Digest `json:"layers"`
	DependencyLayers  []digest.Digest `json:"dependency_layers"`
	Size              int64           `json:"size"`
	RepoDigests       []string        `json:"repo_digests,omitempty"`
	Steps             []StepResult    `json:"steps"`
	Dockerfile        string          `json:"dockerfile"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
}

// CachedSteps counts steps the engine reused from its layer cache.
func (r *BuildResult) CachedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Cached {
			n++
		}
	}
	return n
}

// ImageInfo is what the engine reports about a local image.
type ImageInfo struct {
	ID          string
	RepoTags    []string
	RepoDigests []string
	Size        int64
	Layers      []digest.Digest
	Env         []string
	Cmd         []string
	Entrypoint  []string
	WorkingDir  string
	// ExposedPorts uses engine notation, e.g. 8000/tcp.
	ExposedPorts []string
}

// BuildStatus is the lifecycle state of a submitted build.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildRunning   BuildStatus = "building"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// Build is a submitted build and its outcome.
type Build struct {
	ID        string       `json:"id"`
	Status    BuildStatus  `json:"status"`
	Request   BuildRequest `json:"request"`
	Result    *BuildResult `json:"result,omitempty"`
	Error     *BuildError  `json:"error,omitempty"`
	// Failure holds non-classified errors (fetching source, engine unreachable).
	Failure   string    `json:"failure,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
