package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/markbook/markbook/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		serverURL  string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Print the OpenAPI document",
		Long:  "Print the OpenAPI 3.1 document describing every markbook route, the same one served at /openapi.json.",
		Example: `  markbook openapi
  markbook openapi --server https://api.school.example -o openapi.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpenAPI(cmd.OutOrStdout(), serverURL, outputFile)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server URL to publish in the document")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the document to a file instead of stdout")

	return cmd
}

func runOpenAPI(out io.Writer, serverURL, outputFile string) error {
	doc := openapi.Generate(serverURL, versionString())
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	data = append(data, '\n')

	if outputFile == "" {
		_, err = out.Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outputFile, err)
	}
	fmt.Fprintf(out, "Wrote %s\n", outputFile)
	return nil
}
