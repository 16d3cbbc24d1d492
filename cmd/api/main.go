package main

import (
	"os"

	"lv-propdesk/cmd/api/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
