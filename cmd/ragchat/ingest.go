package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest the documents directory into the index",
	Long: `Load every supported file in the documents directory, chunk it and
append the chunks to the vector index. Files already indexed are indexed
again; the index does not deduplicate.`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if err := a.ensureDirs(); err != nil {
		return err
	}
	docs, err := a.ingestService()
	if err != nil {
		return err
	}

	results, err := docs.IngestExisting(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
