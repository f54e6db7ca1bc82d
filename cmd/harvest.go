package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	harvestFrom  string
	harvestUntil string
	harvestDir   string
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Fetch chunk files without synchronizing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		client, err := initClient()
		if err != nil {
			return err
		}

		from, err := parseBoundary(harvestFrom)
		if err != nil {
			return err
		}
		until, err := parseBoundary(harvestUntil)
		if err != nil {
			return err
		}

		dir := harvestDir
		if dir == "" {
			dir = filepath.Join(cfg.Harvest.Dir,
				fmt.Sprintf("OaiSet_%s_%s", cfg.OAI.Set, time.Now().UTC().Format("20060102")))
		}

		res, err := client.Harvest(ctx, dir, cfg.OAI.Set, from, until)
		if err != nil {
			return err
		}
		fmt.Printf("harvested %d records into %d chunks under %s\n",
			res.NbRecords, res.NbChunks, res.ChunkDirectory)
		return nil
	},
}

// parseBoundary accepts a datestamp as either a date or a full UTC timestamp.
func parseBoundary(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, eris.Errorf("invalid datestamp %q (want YYYY-MM-DD or YYYY-MM-DDThh:mm:ssZ)", v)
}

func init() {
	harvestCmd.Flags().StringVar(&harvestFrom, "from", "", "harvest records published at or after this datestamp")
	harvestCmd.Flags().StringVar(&harvestUntil, "until", "", "harvest records published at or before this datestamp")
	harvestCmd.Flags().StringVar(&harvestDir, "dir", "", "chunk directory (default derived from harvest.dir and the set)")
	rootCmd.AddCommand(harvestCmd)
}
