package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "groupkv",
	Short: "sharded, replicated key-value engine",
	Long: `groupkv is a sharded, replicated key-value engine. Each shard belongs to a
replication group; groups replicate an ordered log via consensus and shards
move between groups through an epoch-fenced migration protocol.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the groupkv version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("groupkv v%s\n", version)
	},
}

func main() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
