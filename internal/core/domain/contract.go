package domain

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrInvalidContract is returned when a contract cannot produce a valid build.
var ErrInvalidContract = errors.New("invalid build contract")

// BaseImage identifies the immutable image the build extends.
type BaseImage struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Tag  string `json:"tag" yaml:"tag" mapstructure:"tag"`
	// Digest optionally pins the tag to a content address (sha256:...).
	Digest string `json:"digest,omitempty" yaml:"digest,omitempty" mapstructure:"digest"`
}

// Reference returns the reference used in the FROM instruction.
func (b BaseImage) Reference() string {
	ref := b.Name + ":" + b.Tag
	if b.Digest != "" {
		ref += "@" + b.Digest
	}
	return ref
}

// EnvVar is a single environment variable baked into the image.
type EnvVar struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name"`
	Value string `json:"value" yaml:"value" mapstructure:"value"`
}

func (e EnvVar) String() string {
	return e.Name + "=" + e.Value
}

// Entrypoint is the fixed process invocation of the image.
type Entrypoint struct {
	// Server is the ASGI server binary.
	Server string `json:"server" yaml:"server" mapstructure:"server"`
	// App is the module-qualified application object, e.g. app.main:app.
	App  string `json:"app" yaml:"app" mapstructure:"app"`
	Host string `json:"host" yaml:"host" mapstructure:"host"`
	Port int    `json:"port" yaml:"port" mapstructure:"port"`
}

// Command returns the exec-form command line.
func (e Entrypoint) Command() []string {
	return []string{e.Server, e.App, "--host", e.Host, "--port", strconv.Itoa(e.Port)}
}

// Contract is the complete description of the image build.
type Contract struct {
	Base BaseImage `json:"base" yaml:"base" mapstructure:"base"`
	// Flags are the interpreter behaviour toggles set process-wide in the image.
	Flags          []EnvVar `json:"flags" yaml:"flags" mapstructure:"flags"`
	SystemPackages []string `json:"system_packages" yaml:"system_packages" mapstructure:"system_packages"`
	// CleanPackageCache removes package manager metadata in the install step.
	CleanPackageCache bool       `json:"clean_package_cache" yaml:"clean_package_cache" mapstructure:"clean_package_cache"`
	Manifest          string     `json:"manifest" yaml:"manifest" mapstructure:"manifest"`
	WorkDir           string     `json:"workdir" yaml:"workdir" mapstructure:"workdir"`
	Port              int        `json:"port" yaml:"port" mapstructure:"port"`
	Entrypoint        Entrypoint `json:"entrypoint" yaml:"entrypoint" mapstructure:"entrypoint"`
}

// DefaultContract returns the contract of the Python ASGI service image.
func DefaultContract() Contract {
	return Contract{
		Base: BaseImage{Name: "python", Tag: "3.11-slim"},
		Flags: []EnvVar{
			{Name: "PYTHONDONTWRITEBYTECODE", Value: "1"},
			{Name: "PYTHONUNBUFFERED", Value: "1"},
		},
		SystemPackages:    []string{"gcc", "libpq-dev", "libffi-dev"},
		CleanPackageCache: true,
		Manifest:          "requirements.txt",
		WorkDir:           "/app",
		Port:              8000,
		Entrypoint: Entrypoint{
			Server: "uvicorn",
			App:    "app.main:app",
			Host:   "0.0.0.0",
			Port:   8000,
		},
	}
}

// Validate checks that the contract is internally consistent.
func (c Contract) Validate() error {
	switch {
	case c.Base.Name == "" || c.Base.Tag == "":
		return fmt.Errorf("%w: base image name and tag are required", ErrInvalidContract)
	case c.Manifest == "":
		return fmt.Errorf("%w: dependency manifest is required", ErrInvalidContract)
	case c.WorkDir == "":
		return fmt.Errorf("%w: working directory is required", ErrInvalidContract)
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidContract, c.Port)
	case c.Entrypoint.Server == "" || c.Entrypoint.App == "":
		return fmt.Errorf("%w: entrypoint server and app are required", ErrInvalidContract)
	case c.Entrypoint.Port != c.Port:
		return fmt.Errorf("%w: entrypoint port %d does not match declared port %d", ErrInvalidContract, c.Entrypoint.Port, c.Port)
	}
	for _, f := range c.Flags {
		if f.Name == "" {
			return fmt.Errorf("%w: flag with empty name", ErrInvalidContract)
		}
	}
	return nil
}

// ExposedPort returns the declared port in engine notation.
func (c Contract) ExposedPort() nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", c.Port))
}

// ExpectedConfig returns the image configuration a conforming image carries.
func (c Contract) ExpectedConfig() imagespec.ImageConfig {
	env := make([]string, 0, len(c.Flags))
	for _, f := range c.Flags {
		env = append(env, f.String())
	}
	return imagespec.ImageConfig{
		Env:          env,
		WorkingDir:   c.WorkDir,
		ExposedPorts: map[string]struct{}{string(c.ExposedPort()): {}},
		Cmd:          c.Entrypoint.Command(),
	}
}
