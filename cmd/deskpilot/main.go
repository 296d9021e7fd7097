package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deskpilot/internal/config"
)

var (
	cfg   *config.Config
	wsDir string

	configPath   string
	workspaceDir string
	noWorkspace  bool
)

var rootCmd = &cobra.Command{
	Use:   "deskpilot",
	Short: "Hold alert and scheduling autofill for the agent desktop",
	Long: "Attaches to the agent desktop in Chrome, fills the callback scheduling form " +
		"(assign to self, queue by label) and raises a banner when a call stays on hold too long.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, dir, err := config.Load(configPath, config.WorkspaceOptions{
			Disable:     noWorkspace,
			ExplicitDir: workspaceDir,
		})
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg, wsDir = c, dir

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file merged over the workspace config")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace", "", "workspace root instead of walking up from the cwd")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "skip .deskpilot workspace discovery")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
