package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var (
		cfgPath string
		nodeID  int
	)

	root := &cobra.Command{
		Use:   "cyphal-node",
		Short: "Run a Cyphal node exposing its registry over the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfgPath, nodeID)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	root.Flags().IntVar(&nodeID, "node-id", -1, "local node id (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
