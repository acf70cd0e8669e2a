package main

import (
	"fmt"
	"os"

	"github.com/markscan/markscan/cmd"
	"github.com/markscan/markscan/internal/conf"
)

func main() {
	settings := &conf.Settings{}
	if err := cmd.RootCommand(settings).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
