package main

import (
	"fmt"
	"os"

	"github.com/marmos91/fsserver/cmd/fsserver/commands"
	"github.com/marmos91/fsserver/internal/exitcode"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fs_server: %v\n", err)
		os.Exit(exitcode.Code(err))
	}
}
