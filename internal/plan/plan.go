// Package plan turns a build contract into an ordered list of build steps and
// renders them as a two-stage Dockerfile. The first stage holds everything the
// dependency layers depend on, so a change to application source never
// invalidates them.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

// DependencyTarget names the stage holding system and language dependencies.
const DependencyTarget = "dependencies"

const runtimeTarget = "runtime"

// ErrLayerOrder is returned when a plan would install dependencies after source.
var ErrLayerOrder = errors.New("build steps out of layering order")

// Step is one instruction of the build definition.
type Step struct {
	Stage       domain.Stage
	Kind        domain.FailureKind
	Instruction string
}

// BuildPlan is the ordered step list for one contract.
type BuildPlan struct {
	Contract domain.Contract
	Steps    []Step
}

// New builds the plan for contract c.
func New(c domain.Contract) (*BuildPlan, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p := &BuildPlan{Contract: c}
	p.add(domain.StageBase, domain.FailureBaseImage, fmt.Sprintf("FROM %s AS %s", c.Base.Reference(), DependencyTarget))
	if len(c.Flags) > 0 {
		pairs := make([]string, 0, len(c.Flags))
		for _, f := range c.Flags {
			pairs = append(pairs, f.Name+"="+quoteValue(f.Value))
		}
		p.add(domain.StageFlags, domain.FailureBaseImage, "ENV "+strings.Join(pairs, " "))
	}
	p.add(domain.StageFlags, domain.FailureBaseImage, "WORKDIR "+c.WorkDir)
	if len(c.SystemPackages) > 0 {
		p.add(domain.StageSystem, domain.FailureSystemPackages, systemInstall(c.SystemPackages, c.CleanPackageCache))
	}
	p.add(domain.StageManifest, domain.FailureSourceCopy, fmt.Sprintf("COPY %s .", c.Manifest))
	p.add(domain.StageDependencies, domain.FailureDependencies, "RUN pip install --no-cache-dir -r "+c.Manifest)
	p.add(domain.StageSource, domain.FailureSourceCopy, fmt.Sprintf("FROM %s AS %s", DependencyTarget, runtimeTarget))
	p.add(domain.StageSource, domain.FailureSourceCopy, "COPY . .")
	p.add(domain.StageNetwork, domain.FailureSourceCopy, fmt.Sprintf("EXPOSE %d", c.Port))
	cmd, err := json.Marshal(c.Entrypoint.Command())
	if err != nil {
		return nil, fmt.Errorf("failed to encode entrypoint: %w", err)
	}
	p.add(domain.StageEntrypoint, domain.FailureSourceCopy, "CMD "+string(cmd))
	return p, nil
}

func (p *BuildPlan) add(stage domain.Stage, kind domain.FailureKind, instruction string) {
	p.Steps = append(p.Steps, Step{Stage: stage, Kind: kind, Instruction: instruction})
}

func systemInstall(packages []string, clean bool) string {
	cmd := "RUN apt-get update && apt-get install -y --no-install-recommends " + strings.Join(packages, " ")
	if clean {
		cmd += " && rm -rf /var/lib/apt/lists/*"
	}
	return cmd
}

func quoteValue(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'$\\") {
		return strconv.Quote(v)
	}
	return v
}

// Validate checks the layering invariant: stages never go backwards, the plan
// starts from a base image and ends with the entrypoint.
func (p *BuildPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: empty plan", ErrLayerOrder)
	}
	if p.Steps[0].Stage != domain.StageBase {
		return fmt.Errorf("%w: first step is %s, want base", ErrLayerOrder, p.Steps[0].Stage)
	}
	if last := p.Steps[len(p.Steps)-1]; last.Stage != domain.StageEntrypoint {
		return fmt.Errorf("%w: last step is %s, want entrypoint", ErrLayerOrder, last.Stage)
	}
	for i := 1; i < len(p.Steps); i++ {
		if p.Steps[i].Stage < p.Steps[i-1].Stage {
			return fmt.Errorf("%w: step %d (%s) follows %s", ErrLayerOrder, i+1, p.Steps[i].Stage, p.Steps[i-1].Stage)
		}
	}
	return nil
}

// StepAt returns the step for the engine's 1-based step counter.
func (p *BuildPlan) StepAt(n int) (Step, bool) {
	if n < 1 || n > len(p.Steps) {
		return Step{}, false
	}
	return p.Steps[n-1], true
}

// DependencyStepCount is the number of steps in the dependency stage.
func (p *BuildPlan) DependencyStepCount() int {
	n := 0
	for _, s := range p.Steps {
		if s.Stage > domain.StageDependencies {
			break
		}
		n++
	}
	return n
}

// Dockerfile renders the plan.
func (p *BuildPlan) Dockerfile() string {
	var sb strings.Builder
	sb.WriteString("# Generated by lighthouse. Layer order: system packages, dependencies, source.\n")
	for i, s := range p.Steps {
		if strings.HasPrefix(s.Instruction, "FROM ") && i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(s.Instruction)
		sb.WriteString("\n")
	}
	return sb.String()
}
