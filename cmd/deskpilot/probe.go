package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"deskpilot/internal/companion"
	"deskpilot/internal/config"
	"deskpilot/internal/dom"
	"deskpilot/internal/rules"
)

var (
	probeHTML string
	probeJSON bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run the locator and signal chain against a saved page",
	Long: "Parses a saved desktop page (declarative shadow roots included) and reports what every " +
		"query finds, what the hold signal reads and whether the autofill targets are present. " +
		"Nothing is clicked or changed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(probeHTML)
		if err != nil {
			return eris.Wrap(err, "open page")
		}
		defer f.Close()
		return probe(f, cmd.OutOrStdout(), *cfg, probeJSON)
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeHTML, "html", "", "saved page to probe (required)")
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "print the report as JSON")
	_ = probeCmd.MarkFlagRequired("html")
	rootCmd.AddCommand(probeCmd)
}

func probe(page io.Reader, out io.Writer, cfg config.Config, asJSON bool) error {
	doc, err := dom.ParseHTML(page)
	if err != nil {
		return err
	}
	pack, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return err
	}
	rep := companion.Probe(doc, cfg.Settings, pack)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	rep.WriteText(out)
	return nil
}
