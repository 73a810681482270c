package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oncrpc-go/rpcd/internal/portmap"
)

var (
	regAddress  string
	regNetwork  string
	regProgram  uint32
	regVersion  uint32
	regProtocol string
	regPort     uint32
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an RPC program with a portmapper",
	Long: `Issue a single SET call against a portmapper, registering
(program, version, protocol, port) per RFC 1833 Section 3.

This is useful for a separately running RPC program that wants to publish
itself without embedding internal/portmap.Client directly, or for
re-registering after a portmapper restart.`,
	RunE: runRegister,
}

func init() {
	addMappingFlags(registerCmd)
	registerCmd.MarkFlagRequired("port")
}

func addMappingFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&regAddress, "portmapper", "localhost:111", "portmapper address (host:port)")
	cmd.Flags().StringVar(&regNetwork, "transport", "tcp", "transport to reach the portmapper over (tcp or udp)")
	cmd.Flags().Uint32Var(&regProgram, "program", 0, "RPC program number (required)")
	cmd.Flags().Uint32Var(&regVersion, "version", 0, "RPC program version (required)")
	cmd.Flags().StringVar(&regProtocol, "protocol", "tcp", "protocol the program is bound on (tcp or udp)")
	cmd.Flags().Uint32Var(&regPort, "port", 0, "bound port (required for register; ignored by unregister)")
	cmd.MarkFlagRequired("program")
	cmd.MarkFlagRequired("version")
}

func mappingFromFlags() (portmap.Mapping, error) {
	var proto uint32
	switch regProtocol {
	case "tcp":
		proto = portmap.ProtoTCP
	case "udp":
		proto = portmap.ProtoUDP
	default:
		return portmap.Mapping{}, fmt.Errorf("unknown protocol %q (want tcp or udp)", regProtocol)
	}
	return portmap.Mapping{Program: regProgram, Version: regVersion, Protocol: proto, Port: regPort}, nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	m, err := mappingFromFlags()
	if err != nil {
		return err
	}

	client := portmap.NewClient(regAddress, regNetwork)
	ok, err := client.Set(context.Background(), m)
	if err != nil {
		return fmt.Errorf("register with %s: %w", regAddress, err)
	}
	if !ok {
		return fmt.Errorf("portmapper at %s rejected registration of %+v", regAddress, m)
	}

	cmd.Printf("registered program=%d version=%d protocol=%s port=%d with %s\n",
		m.Program, m.Version, regProtocol, m.Port, regAddress)
	return nil
}
