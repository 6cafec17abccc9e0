package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "tagline"}

	root.AddCommand(serveCMD(), migrateCMD(), sweepCMD())
	_ = root.Execute()
}
