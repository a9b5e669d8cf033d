package main

import (
	"fmt"
	"io"

	"golang.org/x/term"
)

// isTTY returns true if the given file descriptor is a terminal.
func isTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// printBanner prints the ensembleql ASCII art banner. When useColor is true,
// ANSI escape codes are used for a green/cyan/blue gradient.
func printBanner(w io.Writer, useColor bool) {
	lines := []string{
		`                                                        `,
		`   ___ _ __  ___  ___ _ __ ___ | |__ | | ___  __ _| |   `,
		`  / _ \ '_ \/ __|/ _ \ '_ ' _ \| '_ \| |/ _ \/ _' | |   `,
		` |  __/ | | \__ \  __/ | | | | | |_) | |  __/ (_| | |   `,
		`  \___|_| |_|___/\___|_| |_| |_|_.__/|_|\___|\__, |_|   `,
		`                                                |_|     `,
		`                                                        `,
	}

	if !useColor {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		return
	}

	colors := []string{
		"\033[1;32m", // bold green
		"\033[1;32m", // bold green
		"\033[1;92m", // bold bright green
		"\033[1;36m", // bold cyan
		"\033[1;96m", // bold bright cyan
		"\033[1;34m", // bold blue
		"\033[0m",    // reset (blank line)
	}
	for i, line := range lines {
		fmt.Fprintf(w, "%s%s\033[0m\n", colors[i%len(colors)], line)
	}
}
