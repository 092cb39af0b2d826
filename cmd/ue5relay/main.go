package main

import (
	"fmt"
	"os"

	"github.com/lydakis/ue5relay/internal/cli"
	"github.com/lydakis/ue5relay/internal/daemon"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "__daemon" {
		if err := daemon.Run(cli.Version()); err != nil {
			fmt.Fprintf(os.Stderr, "ue5relay daemon: %v\n", err)
			os.Exit(1)
		}
		return
	}

	code := cli.Run(os.Args[1:])
	os.Exit(code)
}
