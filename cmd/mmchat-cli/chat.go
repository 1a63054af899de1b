package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/ageniuscoder/mmchat/msgsync/internal/engine"
	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/storeapi"
	"github.com/ageniuscoder/mmchat/msgsync/internal/transport"
)

func chatCmd(g *globals) *cobra.Command {
	var (
		peer    string
		useNATS bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation and chat from stdin",
		Long: `Open the conversation between --user and --with. Each line read from stdin is sent
as a message. "/img <url>" sends an image attachment and "/quit" leaves.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.user == "" {
				return errNoUser
			}
			tok, err := g.resolveToken()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tr, closeTr, err := g.dialTransport(ctx, tok, useNATS)
			if err != nil {
				return err
			}
			defer closeTr()

			eng, err := engine.New(engine.Options{
				Local:     g.user,
				Store:     storeapi.New(g.cfg.ServerURL, tok),
				Transport: tr,
			})
			if err != nil {
				return err
			}
			return runChat(ctx, eng, peer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&peer, "with", "w", "", "peer user id")
	cmd.Flags().BoolVar(&useNATS, "nats", false, "exchange typing and receipts over NATS_URL instead of the relay websocket")
	_ = cmd.MarkFlagRequired("with")
	return cmd
}

func (g *globals) dialTransport(ctx context.Context, tok string, useNATS bool) (transport.Transport, func(), error) {
	if useNATS {
		if g.cfg.NATSURL == "" {
			return nil, nil, fmt.Errorf("--nats needs NATS_URL")
		}
		nc, err := nats.Connect(g.cfg.NATSURL, nats.Name("mmchat-cli "+g.user))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		tr, err := transport.NewNATS(nc, g.user)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return tr, func() { _ = tr.Close(); nc.Close() }, nil
	}
	wsURL, err := websocketURL(g.cfg.ServerURL)
	if err != nil {
		return nil, nil, err
	}
	tr, err := transport.DialWS(ctx, wsURL, tok)
	if err != nil {
		return nil, nil, err
	}
	return tr, func() { _ = tr.Close() }, nil
}

// websocketURL derives the relay websocket endpoint from its HTTP base URL.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	return u.String(), nil
}

func runChat(ctx context.Context, eng *engine.Engine, peer string, in io.Reader, out io.Writer) error {
	log := logging.WithUser("cli", eng.Local())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()
	defer func() {
		eng.Close()
		<-runErr
	}()

	key, err := eng.Open(peer)
	if err != nil {
		return err
	}
	if err := eng.Load(ctx, key); err != nil {
		// Live messages still work without history.
		log.Warn().Err(err).Str("key", key).Msg("history unavailable")
	}

	v := newView(eng.Local(), out)
	v.render(eng.Materialize(key))
	eng.Focus(key)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	updates := eng.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Key != key {
				continue
			}
			switch u.Kind {
			case engine.UpdateThread:
				v.render(eng.Materialize(key))
			case engine.UpdateTyping:
				v.typing(peer, u.Typing)
			case engine.UpdateSendFailed:
				v.failed(u.Content, u.Err)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			content, attachments, quit := parseLine(line)
			if quit {
				return nil
			}
			eng.OnLocalInputChange(key, line)
			if err := eng.Submit(key, content, attachments...); err != nil {
				v.notice("not sent: %v", err)
			}
		}
	}
}

// parseLine turns an input line into message content. "/img <url> [caption]" attaches an image.
func parseLine(line string) (content string, attachments []models.Attachment, quit bool) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "/quit":
		return "", nil, true
	case strings.HasPrefix(trimmed, "/img "):
		fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(trimmed, "/img ")), " ", 2)
		att := models.Attachment{URL: fields[0]}
		if len(fields) == 2 {
			content = fields[1]
		}
		return content, []models.Attachment{att}, false
	}
	return line, nil, false
}
