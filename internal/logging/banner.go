package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	dim    = "\033[2m"
)

var logoLines = [5]string{
	` ___ _____ ___   _ _____ ___ ___  ____  ____ `,
	`/ __|_   _/ _ \ / \_   _/ __/ _ \|  _ \|  _ \`,
	`\__ \ | || (_) / _ \| || (_| (_) | |_) | | | |`,
	`|___/ |_| \___/_/ \_\_| \___\___/|____/|_| |_|`,
	`                                               `,
}

// PrintBanner prints the startup ASCII art logo along with the
// version and the source/target guild-server pairing it is bridging.
// Colors are used only when stderr is a TTY.
func PrintBanner(ver, sourceGuild, targetServer string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sbridging%s %s %s<->%s %s\n\n",
			dim, reset, ver, dim, reset, sourceGuild, dim, reset, targetServer)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   bridging %s <-> %s\n\n", ver, sourceGuild, targetServer)
	}
}

// PrintReady prints a single highlighted line once both gateway
// clients have reached their ready state, so an operator watching the
// log can see at a glance when relay traffic will start flowing.
func PrintReady() {
	isTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if isTTY {
		fmt.Fprintf(os.Stderr, "  %s%s➜%s  %sboth gateways ready, relaying%s\n\n", bold, green, reset, bold, reset)
	} else {
		fmt.Fprintln(os.Stderr, "  both gateways ready, relaying")
	}
}
