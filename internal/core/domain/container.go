package domain

import "fmt"

// Container represents a container in the system (Docker, K8s, etc.)
type Container struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	Status    string `json:"status"`
	State     string `json:"state"` // running, exited, etc.
	IPAddress string `json:"ip_address,omitempty"`
}

// RunSpec describes a container started from a built image.
// An empty Cmd keeps the image's own entrypoint.
type RunSpec struct {
	Image string            `json:"image"`
	Name  string            `json:"name,omitempty"`
	Cmd   []string          `json:"cmd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	// Port is the container port to publish on an ephemeral host port. Zero publishes nothing.
	Port int `json:"port,omitempty"`
}

// RunOutput is the result of running a one-off command to completion.
type RunOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// StartError reports a container the engine created but could not start,
// such as one whose command is missing from the image.
type StartError struct {
	// ExitCode is the code the engine recorded for the failed start, -1 when unknown.
	ExitCode int
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("container failed to start (exit code %d): %v", e.ExitCode, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
