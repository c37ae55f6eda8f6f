package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of notebook",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("notebook version 0.3.0")
	},
}
