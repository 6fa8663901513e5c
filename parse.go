package main

import (
	"encoding/json"
	"net/netip"

	"gitea.icts.kuleuven.be/hpc/forwarded/forwarded"
	"github.com/spf13/cobra"
)

// A ParseResult is printed by the parse command
type ParseResult struct {
	Forwarded forwarded.Header `json:"forwarded"`
	Addresses []netip.Addr     `json:"addresses"`
}

func newParseCommand() *cobra.Command {
	var indent bool

	cmd := &cobra.Command{
		Use:   "parse <value>",
		Short: "Parse a Forwarded header value and print the result as json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := forwarded.Parse(args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if indent {
				enc.SetIndent("", "  ")
			}

			return enc.Encode(&ParseResult{
				Forwarded: h,
				Addresses: h.ForAddrs(),
			})
		},
	}

	cmd.Flags().BoolVar(&indent, "indent", false, "Indent output")

	return cmd
}
