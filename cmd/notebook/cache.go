package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timewinder-dev/notebook/cas"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Work with saved result caches",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "List the entries of a saved result cache",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			log.Fatal().Err(err).Msg("Couldn't open cache")
		}
		defer f.Close()
		var snap cas.Snapshot
		if err := snap.Deserialize(f); err != nil {
			log.Fatal().Err(err).Msg("Couldn't read cache snapshot")
		}
		fmt.Println(color.Cyan.Sprintf("=== %s: version %d, %d entries ===", args[0], snap.Version, len(snap.Entries)))
		for _, e := range snap.Entries {
			at := time.Unix(0, e.CachedAt).Format(time.RFC3339)
			if e.Err != "" {
				fmt.Printf("%s %016x %s %s\n", color.Bold.Sprint(e.ID), e.Hash, color.Gray.Sprint(at), color.Red.Sprint(e.Err))
				continue
			}
			fmt.Printf("%s %016x %s = %s\n", color.Bold.Sprint(e.ID), e.Hash, color.Gray.Sprint(at), e.Output)
		}
	},
}

func init() {
	cacheCmd.AddCommand(cacheInspectCmd)
}
