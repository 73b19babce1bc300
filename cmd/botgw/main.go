// Botgw is a multi-tenant agent gateway: it brokers WebSocket connections
// from nodes and operators, fronts agent runs with an OpenAI-compatible API,
// and gates requests through identity and billing checks.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

var version = "dev"

// Exit codes: 1 configuration error, 2 secret resolution failure, 3 bind
// failure. A clean shutdown exits 0.
const (
	exitConfig  = 1
	exitSecrets = 2
	exitBind    = 3
)

func main() {
	configPath := flag.String("config", "configs/botgw.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("botgw", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
