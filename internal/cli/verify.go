package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/melih/lighthouse-builder/internal/archive"
	"github.com/melih/lighthouse-builder/internal/core/services"
)

func newVerifyCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check built images against the contract",
	}
	cmd.AddCommand(
		newVerifyConfigCommand(o),
		newVerifyEntrypointCommand(o),
		newVerifyCacheCommand(o),
		newVerifyCleanupCommand(o),
		newVerifyReproducibleCommand(o),
	)
	return cmd
}

func newVerifyConfigCommand(o *options) *cobra.Command {
	var fromArchive bool
	cmd := &cobra.Command{
		Use:   "config <image>",
		Short: "Compare an image's configuration with the contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromArchive {
				images, err := archive.Open(args[0])
				if err != nil {
					return err
				}
				passed := true
				for _, img := range images {
					report := services.CompareConfig(imageName(img, args[0]), img.Info(), o.contract)
					if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
					passed = passed && report.Passed
				}
				return verdict(passed)
			}

			e, err := o.connect()
			if err != nil {
				return err
			}
			report, err := e.verifier.CheckConfig(cmd.Context(), args[0], o.contract)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return verdict(report.Passed)
		},
	}
	cmd.Flags().BoolVar(&fromArchive, "archive", false, "treat the argument as an image archive written by export")
	return cmd
}

func newVerifyEntrypointCommand(o *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "entrypoint <image>",
		Short: "Run an image without arguments and wait for the declared port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.connect()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = o.cfg.Build.VerifyTimeout
			}
			report, err := e.verifier.CheckEntrypoint(cmd.Context(), args[0], o.contract, timeout)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			switch {
			case report.Error != "":
				fmt.Fprintf(cmd.ErrOrStderr(), "process failed to start: %s\n", report.Error)
			case report.ExitCode != nil:
				fmt.Fprintf(cmd.ErrOrStderr(), "process exited with code %d before listening\n", *report.ExitCode)
			}
			return verdict(report.Listening)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the port (default from build.verify_timeout)")
	return cmd
}

func newVerifyCacheCommand(o *options) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "cache <path> [changed-path]",
		Short: "Build twice and check that dependency layers are reused",
		Long: `Build the tree at path, then build changed-path (or path again) and check
that both images share the dependency layers. changed-path should differ
from path only in source files.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.connect()
			if err != nil {
				return err
			}
			first, err := flags.request(o, args[:1])
			if err != nil {
				return err
			}
			second := first
			if len(args) == 2 {
				if second, err = flags.request(o, args[1:]); err != nil {
					return err
				}
			}
			// The second build must be allowed to hit the cache.
			second.NoCache = false

			a, _, err := e.builds.Run(cmd.Context(), first)
			if err != nil {
				return err
			}
			b, _, err := e.builds.Run(cmd.Context(), second)
			if err != nil {
				return err
			}
			report := services.CheckLayerCache(a, b)
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "second build reused %d/%d steps\n", b.CachedSteps(), len(b.Steps))
			return verdict(report.Passed)
		},
	}
	flags.register(cmd)
	return cmd
}

func newVerifyCleanupCommand(o *options) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "cleanup [path]",
		Short: "Check that package cache cleanup keeps the image smaller",
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
			report, err := e.verifier.CheckCacheCleanup(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), report.String())
			return verdict(report.Passed)
		},
	}
	flags.register(cmd)
	return cmd
}

func newVerifyReproducibleCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reproducible <image> <image>",
		Short: "Compare installed package versions of two builds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.connect()
			if err != nil {
				return err
			}
			report, err := e.verifier.CheckReproducible(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return verdict(report.Passed)
		},
	}
}

func verdict(passed bool) error {
	if passed {
		return nil
	}
	return errVerificationFailed
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func imageName(img archive.Image, fallback string) string {
	if len(img.RepoTags) > 0 {
		return img.RepoTags[0]
	}
	return fallback
}
