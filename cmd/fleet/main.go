// Package main is the single-binary entrypoint for fleet,
// the distributed inference router.
package main

import "github.com/fleetllm/fleet/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
