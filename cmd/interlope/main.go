// Command interlope runs the intercepting proxy and manages its certificate
// authority.
package main

import (
	"fmt"
	"os"

	"github.com/coder/serpent"
)

const envPrefix = "INTERLOPE_"

func main() {
	err := rootCmd().Invoke().WithOS().Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *serpent.Command {
	return &serpent.Command{
		Use:   "interlope",
		Short: "An intercepting HTTP, HTTPS and WebSocket proxy.",
		Long: "Interlope forwards plain HTTP, relays or decrypts CONNECT tunnels with " +
			"leaf certificates minted on demand, and bridges WebSocket sessions frame by frame.",
		Children: []*serpent.Command{
			serveCmd(),
			caCmd(),
			configCmd(),
		},
	}
}

// explicitlySet reports whether the option with the given flag name was
// supplied on the command line or through the environment.
func explicitlySet(inv *serpent.Invocation, flag string) bool {
	if f := inv.ParsedFlags().Lookup(flag); f != nil && f.Changed {
		return true
	}
	for _, opt := range inv.Command.Options {
		if opt.Flag != flag {
			continue
		}
		switch opt.ValueSource {
		case serpent.ValueSourceFlag, serpent.ValueSourceEnv:
			return true
		}
		return false
	}
	return false
}
