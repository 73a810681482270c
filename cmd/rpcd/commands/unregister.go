package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oncrpc-go/rpcd/internal/portmap"
)

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove an RPC program's registration from a portmapper",
	Long: `Issue a single UNSET call against a portmapper, removing the
registration for (program, version, protocol) per RFC 1833 Section 3.

The port flag is accepted for symmetry with "register" but ignored by the
wire protocol; UNSET identifies a mapping by program/version/protocol
alone.`,
	RunE: runUnregister,
}

func init() {
	addMappingFlags(unregisterCmd)
}

func runUnregister(cmd *cobra.Command, args []string) error {
	m, err := mappingFromFlags()
	if err != nil {
		return err
	}

	client := portmap.NewClient(regAddress, regNetwork)
	ok, err := client.Unset(context.Background(), m)
	if err != nil {
		return fmt.Errorf("unregister from %s: %w", regAddress, err)
	}
	if !ok {
		return fmt.Errorf("portmapper at %s had no registration for program=%d version=%d protocol=%s",
			regAddress, m.Program, m.Version, regProtocol)
	}

	cmd.Printf("unregistered program=%d version=%d protocol=%s from %s\n",
		m.Program, m.Version, regProtocol, regAddress)
	return nil
}
