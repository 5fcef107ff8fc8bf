package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/oktsec/mcpgate/cmd/mcpgate/commands"
)

func main() {
	if err := commands.NewRoot().Execute(); err != nil {
		if errors.Is(err, commands.ErrDenied) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
