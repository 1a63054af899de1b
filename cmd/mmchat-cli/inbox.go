package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ageniuscoder/mmchat/msgsync/internal/storeapi"
)

func inboxCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "List conversations with their unread counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := g.resolveToken()
			if err != nil {
				return err
			}
			list, err := storeapi.New(g.cfg.ServerURL, tok).Conversations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PEER\tUNREAD\tLAST ACTIVITY")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%d\t%s\n", c.Peer, c.Unread, c.LastAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}
