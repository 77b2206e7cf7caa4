package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lihe8811/lumi/internal/pipeline"
)

var (
	convertOut    string
	convertFileID string
)

var convertCmd = &cobra.Command{
	Use:   "convert <model-output-file>",
	Short: "Convert saved model output into a document JSON",
	Long: `Parse a saved LLM response (the tagged markdown produced by the format step)
into a document, without calling the LLM or arXiv. Useful for debugging the
parser against captured responses.

Examples:
  lumi convert response.txt
  lumi convert response.txt --file-id 2401.00001/v1 -o doc.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(os.Stderr)

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		im := pipeline.NewImporter(pipeline.ImporterConfig{Log: log})
		doc, err := im.ConvertLocal(string(data), convertFileID)
		if err != nil {
			return fmt.Errorf("convert: %w", err)
		}

		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		if convertOut == "" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		}
		return os.WriteFile(convertOut, out, 0o644)
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertOut, "output", "o", "", "write JSON here instead of stdout")
	convertCmd.Flags().StringVar(&convertFileID, "file-id", "local/v1", "storage prefix used for image paths")
}
