// Package cli wires the configuration, store, limiter, and server into the
// ratekeeper command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root ratekeeper command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ratekeeper",
		Short: "Distributed rate limiting engine",
		Long: `Ratekeeper answers one question fast: may this key consume N units right
now? It offers four window strategies over a pluggable counter store, so a
fleet of processes sharing a Redis backend enforces one global limit.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newInitConfigCmd(),
	)

	return root
}
