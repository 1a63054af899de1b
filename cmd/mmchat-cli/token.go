package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ageniuscoder/mmchat/msgsync/internal/auth"
)

var errNoUser = errors.New("--user is required")

func tokenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Mint a relay token for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := g.resolveToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func (g *globals) resolveToken() (string, error) {
	if g.token != "" {
		return g.token, nil
	}
	if g.user == "" {
		return "", errNoUser
	}
	if g.cfg.JWTSecret == "" {
		return "", errors.New("JWT_SECRET is not set; pass --token instead")
	}
	tok, err := auth.NewToken(g.cfg.JWTSecret, g.user, g.cfg.JWTTTLMin)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return tok, nil
}
