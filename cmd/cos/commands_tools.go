package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

// =============================================================================
// Tool Broker Commands
// =============================================================================

func buildConnectCmd() *cobra.Command {
	var apiKey string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Store the tool broker API key and verify the connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, apiKey)
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Broker API key (defaults to the stored or configured key)")
	return cmd
}

func buildDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Forget the stored tool broker API key",
		Args:  cobra.NoArgs,
		RunE:  runDisconnect,
	}
}

func buildReconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Drop and reopen the tool broker session",
		Args:  cobra.NoArgs,
		RunE:  runReconnect,
	}
}

func buildInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install [toolkit]",
		Short: "Install a brokered toolkit and start its account link",
		Args:  cobra.ExactArgs(1),
		RunE:  runInstall,
	}
}

func buildDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister [toolkit]",
		Short: "Remove an installed toolkit and its cached schemas",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeregister,
	}
}

func buildTestToolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [toolkit]",
		Short: "Check that an installed toolkit is linked and its tools resolve",
		Args:  cobra.ExactArgs(1),
		RunE:  runTestTool,
	}
}

func buildShowSchemaRegistryCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show-schema-registry",
		Short: "List cached brokered tool schemas by toolkit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowSchemaRegistry(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

// =============================================================================
// Local MCP Commands
// =============================================================================

func buildMCPConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-connect [port]",
		Short: "Connect a local MCP server and remember its port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			return runMCPConnect(cmd, port)
		},
	}
}

func buildShowSuspendedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-suspended",
		Short: "List servers whose tool schemas changed since they were pinned",
		Args:  cobra.NoArgs,
		RunE:  runShowSuspended,
	}
}

func buildAcceptPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept-pin [server-key]",
		Short: "Accept a changed schema and pin it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolvePin(cmd, args[0], true)
		},
	}
}

func buildRejectPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject-pin [server-key]",
		Short: "Reject a changed schema and keep the old pin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolvePin(cmd, args[0], false)
		},
	}
}

func buildShowBOMCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show-bom",
		Short: "Show the bill of materials for connected tool servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowBOM(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}
