package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/core/services"
	"github.com/melih/lighthouse-builder/internal/plan"
)

type buildFlags struct {
	repo    string
	ref     string
	tag     string
	noCache bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.repo, "repo", "", "git repository to build instead of a local path")
	cmd.Flags().StringVar(&f.ref, "ref", "", "branch or tag of --repo")
	cmd.Flags().StringVarP(&f.tag, "tag", "t", "", "image tag (default from build.default_tag)")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "do not use the engine layer cache")
}

// request turns the flags and an optional path argument into a build request.
func (f *buildFlags) request(o *options, args []string) (domain.BuildRequest, error) {
	req := domain.BuildRequest{
		Contract: o.contract,
		Tag:      f.tag,
		NoCache:  f.noCache,
	}
	if req.Tag == "" {
		req.Tag = o.cfg.Build.DefaultTag
	}
	switch {
	case f.repo != "" && len(args) > 0:
		return req, errors.New("a path and --repo are mutually exclusive")
	case f.repo != "":
		req.Source = domain.Source{RepoURL: f.repo, Ref: f.ref}
	default:
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return req, err
		}
		req.Source = domain.Source{Path: abs}
	}
	return req, nil
}

func newBuildCommand(o *options) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "build [path]",
		Short: "Build the service image from a source tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(o, args)
			if err != nil {
				return err
			}
			e, err := o.connect()
			if err != nil {
				return err
			}
			result, warnings, err := e.builds.Run(cmd.Context(), req)
			for _, w := range warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			if err != nil {
				var be *domain.BuildError
				if errors.As(err, &be) {
					fmt.Fprintf(cmd.ErrOrStderr(), "build failed: %s\n", be.Kind)
				}
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printResult(w io.Writer, r *domain.BuildResult) {
	fmt.Fprintf(w, "Built %s\n", r.Tag)
	fmt.Fprintf(w, "  image:        %s\n", r.ImageID)
	fmt.Fprintf(w, "  dependencies: %s\n", r.DependencyImageID)
	fmt.Fprintf(w, "  size:         %s\n", units.HumanSize(float64(r.Size)))
	fmt.Fprintf(w, "  layers:       %d (%d dependency)\n", len(r.Layers), len(r.DependencyLayers))
	fmt.Fprintf(w, "  cached steps: %d/%d\n", r.CachedSteps(), len(r.Steps))
	fmt.Fprintf(w, "  duration:     %s\n", units.HumanDuration(r.FinishedAt.Sub(r.StartedAt)))
}

func newRenderCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Print the build definition of the contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := plan.New(o.contract)
			if err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), p.Dockerfile())
			return err
		},
	}
}

func newLintCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "lint [path]",
		Short: "Report reproducibility gaps of a source tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			warnings := services.Lint(dir, o.contract)
			if len(warnings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no reproducibility gaps found")
				return nil
			}
			for _, w := range warnings {
				fmt.Fprintln(cmd.OutOrStdout(), w)
			}
			return nil
		},
	}
}
