// Command certtrust validates certificate chains and their revocation status.
//
// Usage:
//
//	certtrust <command> [flags]
//
// Commands:
//
//	validate  Validate a certificate chain
//	version   Show version information
//
// Examples:
//
//	# Validate against a configuration file
//	certtrust validate --config certtrust.yaml --cert signer.pem
//
//	# Validate offline with supplied revocation data
//	certtrust validate --trust root.pem --chain intermediate.pem --cert signer.pem --ocsp signer.ocsp
//
//	# Validate a time stamping unit certificate, JSON output
//	certtrust validate --config certtrust.yaml --context timestamp --cert tsa.pem -o json
package main

import (
	"os"

	"github.com/georgepadayatti/certtrust/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/certtrust
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}
