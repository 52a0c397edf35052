package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"genbatch/internal/cli"
)

func main() {
	// .env is optional; GENBATCH_* variables may also come from the shell.
	_ = godotenv.Load()

	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
