package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"deskpilot/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .deskpilot workspace with a template config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := workspaceDir
		if len(args) == 1 {
			root = args[0]
		}
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return eris.Wrap(err, "working directory")
			}
			root = wd
		}
		if err := config.InitWorkspace(root); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", filepath.Join(root, config.WorkspaceDirName, config.WorkspaceConfigFile))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
