package builder

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog/log"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/plan"
)

var stepRe = regexp.MustCompile(`^Step (\d+)/(\d+) : (.*)$`)

// consume reads the engine's build output until it ends. The first error
// message aborts the build; it is classified by the step that was running.
func consume(body io.Reader, p *plan.BuildPlan) (string, []domain.StepResult, error) {
	var (
		imageID string
		steps   []domain.StepResult
		current int
	)
	dec := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return "", nil, fmt.Errorf("failed to read build output: %w", err)
		}

		if msg.Error != nil || msg.ErrorMessage != "" {
			text := msg.ErrorMessage
			if msg.Error != nil && msg.Error.Message != "" {
				text = msg.Error.Message
			}
			return "", steps, classify(p, current, text)
		}
		if id := decodeAux(msg.Aux); id != "" {
			imageID = id
		}

		for _, line := range strings.Split(msg.Stream, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			log.Debug().Str("component", "build").Msg(line)
			switch {
			case stepRe.MatchString(line):
				m := stepRe.FindStringSubmatch(line)
				current, _ = strconv.Atoi(m[1])
				steps = append(steps, domain.StepResult{Index: current, Instruction: m[3]})
			case strings.Contains(line, "Using cache") && len(steps) > 0:
				steps[len(steps)-1].Cached = true
			case strings.HasPrefix(line, "Successfully built ") && imageID == "":
				imageID = strings.TrimSpace(strings.TrimPrefix(line, "Successfully built "))
			}
		}
	}
	if imageID == "" {
		return "", steps, fmt.Errorf("build output ended without an image id")
	}
	return imageID, steps, nil
}

// classify turns an engine error message into a BuildError.
func classify(p *plan.BuildPlan, current int, message string) *domain.BuildError {
	message = strings.TrimSpace(message)
	if s, ok := p.StepAt(current); ok {
		return &domain.BuildError{Kind: s.Kind, Step: current, Instruction: s.Instruction, Message: message}
	}
	kind := domain.FailureSourceCopy
	if strings.Contains(message, p.Contract.Base.Name+":"+p.Contract.Base.Tag) {
		kind = domain.FailureBaseImage
	}
	return &domain.BuildError{Kind: kind, Step: current, Message: message}
}
