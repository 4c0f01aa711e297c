// Command synccli is the n1sync CLI: vault management plus the peer sync
// protocol operations (certificate issuance, push, pull) built on top of it.
// It supersedes bosr's vault subcommands with the same names and adds the
// sync-specific ones.
package main

import (
	"os"

	"github.com/n1/n1sync/internal/log"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const version = "0.1.0-dev"

func main() {
	app := &cli.App{
		Name:    "synccli",
		Version: version,
		Usage:   "synccli – the n1sync vault and peer sync CLI",
		Commands: []*cli.Command{
			initCmd,
			openCmd,
			keyCmd,
			putCmd,
			getCmd,
			certInitCmd,
			requestCertCmd,
			remoteCertsCmd,
			pushCmd,
			pullCmd,
			closeSessionCmd,
		},
	}

	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(zerolog.DebugLevel)
		log.EnableConsoleOutput()
		log.Debug().Msg("Debug logging enabled")
	} else {
		log.SetLevel(zerolog.InfoLevel)
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("synccli: application error")
	}
}
