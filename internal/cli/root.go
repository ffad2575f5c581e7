// Package cli implements the lighthouse command line.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/melih/lighthouse-builder/internal/adapters/builder"
	"github.com/melih/lighthouse-builder/internal/config"
	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/logging"
)

// errVerificationFailed is returned when a check ran but its property does not hold.
var errVerificationFailed = errors.New("verification failed")

// Exit codes.
const (
	exitError        = 1
	exitBuildFailure = 2
	exitVerification = 3
)

type options struct {
	cfgFile string
	v       *viper.Viper

	cfg      *config.Config
	contract domain.Contract
	engine   *engine
}

// NewRootCommand returns the lighthouse command tree.
func NewRootCommand() *cobra.Command {
	o := &options{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "lighthouse",
		Short: "Build and verify container images for Python ASGI services",
		Long: `Lighthouse renders a fixed image build contract for Python ASGI services,
builds it on a Docker engine and verifies the resulting images.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.init()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&o.cfgFile, "config", "", "config file (default is ./lighthouse.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("contract", "", "YAML file overriding the default build contract")
	_ = o.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = o.v.BindPFlag("contract_file", flags.Lookup("contract"))

	cmd.AddCommand(
		newServeCommand(o),
		newBuildCommand(o),
		newRenderCommand(o),
		newLintCommand(o),
		newVerifyCommand(o),
		newExportCommand(o),
		newInspectArchiveCommand(o),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case builder.IsBuildError(err):
		return exitBuildFailure
	case errors.Is(err, errVerificationFailed):
		return exitVerification
	default:
		return exitError
	}
}

func (o *options) init() error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else {
		o.v.SetConfigName("lighthouse")
		o.v.SetConfigType("yaml")
		o.v.AddConfigPath(".")
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			o.v.AddConfigPath(filepath.Join(userConfigDir, "lighthouse"))
		}
		o.v.AddConfigPath("/etc/lighthouse")
	}
	config.BindEnv(o.v)

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.Load(o.v)
	if err != nil {
		return err
	}
	if err := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		JSON:       cfg.Logging.JSON,
	}); err != nil {
		return err
	}
	if used := o.v.ConfigFileUsed(); used != "" {
		log.Debug().Str("file", used).Msg("Using config file")
	}

	contract, err := cfg.Contract()
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.contract = contract
	return nil
}
