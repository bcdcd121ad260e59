package main

import (
	"fmt"
	"os"

	"github.com/skypro1111/tlv-audio-sink/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
