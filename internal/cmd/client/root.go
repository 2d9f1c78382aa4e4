package client

import (
	"github.com/spf13/cobra"
)

// Register adds the operator commands to root: stat, errors, publications,
// health and the archive group.
func Register(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewStatCommand(),
		NewErrorsCommand(baseURL),
		NewPublicationsCommand(baseURL),
		NewHealthCommand(baseURL),
		NewArchiveCommand(baseURL),
	)
}
