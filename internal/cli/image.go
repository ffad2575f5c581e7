package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/melih/lighthouse-builder/internal/archive"
)

func newExportCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <image> <file>",
		Short: "Save an image to a tar archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := o.connect()
			if err != nil {
				return err
			}
			f, err := os.Create(args[1])
			if err != nil {
				return fmt.Errorf("failed to create archive: %w", err)
			}
			defer func() {
				if cerr := f.Close(); err == nil {
					err = cerr
				}
			}()
			if err := e.docker.SaveImage(cmd.Context(), args[0], f); err != nil {
				return err
			}
			if fi, err := f.Stat(); err == nil {
				log.Info().Str("image", args[0]).Str("file", args[1]).Str("size", units.HumanSize(float64(fi.Size()))).Msg("Image exported")
			}
			return nil
		},
	}
}

func newInspectArchiveCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-archive <file>",
		Short: "Show the images contained in an exported archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			images, err := archive.Open(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, img := range images {
				info := img.Info()
				fmt.Fprintf(w, "%s\n", imageName(img, "<untagged>"))
				fmt.Fprintf(w, "  cmd:     %s\n", strings.Join(info.Cmd, " "))
				fmt.Fprintf(w, "  workdir: %s\n", info.WorkingDir)
				fmt.Fprintf(w, "  ports:   %s\n", strings.Join(info.ExposedPorts, ", "))
				fmt.Fprintf(w, "  env:     %s\n", strings.Join(info.Env, " "))
				fmt.Fprintf(w, "  layers:  %d\n", len(img.LayerPaths))
			}
			return nil
		},
	}
}
