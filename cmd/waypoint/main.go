package main

import (
	"os"

	_ "time/tzdata"

	"github.com/solatis/waypoint/cmd/waypoint/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
