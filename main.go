// Command lightfx discovers smart lights across vendors and runs lighting
// effects against them in a background process.
package main

import (
	"os"

	"lightfx/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error().Err(err).Msg("lightfx failed")
		os.Exit(1)
	}
}
