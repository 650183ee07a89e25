// Command rollcall takes class attendance by recognizing faces from a camera.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const version = "0.1.0"

var (
	cfg        *config.Config
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Face recognition attendance for classrooms",
	Long: `rollcall builds a gallery of reference faces for a class, watches a camera
and marks every recognized student present.

Reference templates can come straight from a directory of photos or from the
encrypted template vault filled by 'rollcall enroll'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env file is optional
		_ = godotenv.Load()

		var err error
		if configFile != "" {
			cfg, err = config.Load(configFile)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.ApplyEnv()
		cfg.ExpandPaths()

		level := cfg.Logging.Level
		if debug {
			level = "debug"
		}
		if err := logging.Init(level, cfg.Logging.Format, cfg.Logging.File); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logging.Debugf("rollcall v%s starting", version)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(takeCmd())
	rootCmd.AddCommand(enrollCmd())
	rootCmd.AddCommand(galleryCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		logging.WithError(err).Debug("Command failed")
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long: `Show the effective configuration after defaults, the config file and
ROLLCALL_* environment overrides have been applied.

Configuration locations:
  System: /etc/rollcall/rollcall.yaml
  User:   ~/.config/rollcall/rollcall.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rollcall v%s\n", version)
			fmt.Println("Face recognition attendance")
			fmt.Println()
			fmt.Println("Build Information:")
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
