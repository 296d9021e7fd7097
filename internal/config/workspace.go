package config

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DiscoverWorkspace walks up from startDir looking for a .deskpilot/config.yaml file.
// Returns the workspace root directory (parent of .deskpilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", eris.Wrap(err, "config: resolving start directory")
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

const templateHeader = `# deskpilot project-level configuration
# Values here override defaults but are overridden by --config and
# DESKPILOT_* environment variables. The autofill, hold and poll sections
# are live: edits apply on the next tick without a restart.

`

// InitWorkspace creates a .deskpilot/ directory with a template config at root.
// The template is the current default settings, so every live key is listed.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return eris.Errorf("config: workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return eris.Wrapf(err, "config: creating directory %s", d)
		}
	}

	body, err := yaml.Marshal(templateSettings(DefaultSettings()))
	if err != nil {
		return eris.Wrap(err, "config: rendering template")
	}
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, append([]byte(templateHeader), body...), 0644); err != nil {
		return eris.Wrap(err, "config: writing config template")
	}

	gitignore := "# Runtime data (history, traces) - do not version control\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0644); err != nil {
		return eris.Wrap(err, "config: writing .gitignore")
	}
	return nil
}

// templateSettings renders durations as strings so the file reads like
// hand-written YAML.
func templateSettings(s Settings) map[string]any {
	return map[string]any{
		"autofill": map[string]any{
			"enabled":      s.Autofill.Enabled,
			"queue":        s.Autofill.Queue,
			"assign_to":    s.Autofill.AssignTo,
			"hide_queue":   s.Autofill.HideQueue,
			"hide_assign":  s.Autofill.HideAssign,
			"option_delay": s.Autofill.OptionDelay.String(),
		},
		"hold": map[string]any{
			"enabled":       s.Hold.Enabled,
			"threshold":     s.Hold.Threshold.String(),
			"snooze":        s.Hold.Snooze.String(),
			"mode":          s.Hold.Mode,
			"duration_attr": s.Hold.DurationAttr,
			"state_attr":    s.Hold.StateAttr,
		},
		"poll": map[string]any{
			"interval":          s.Poll.Interval.String(),
			"autofill_interval": s.Poll.AutofillInterval.String(),
			"watch_interval":    s.Poll.WatchInterval.String(),
		},
	}
}
