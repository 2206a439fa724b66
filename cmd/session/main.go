// Command session joins a MindFlex room headless and prints the reconciled
// transcript and chat to stdout. Lines typed on stdin are sent as chat;
// "/end" ends the session.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/mindflex/internal/adapters/livekit"
	"github.com/dkeye/mindflex/internal/adapters/token"
	"github.com/dkeye/mindflex/internal/app/lifecycle"
	"github.com/dkeye/mindflex/internal/config"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

func main() {
	var (
		server   = pflag.String("server", "http://localhost:8080/api/token", "credential endpoint")
		local    = pflag.Bool("local", false, "sign the token locally from LIVEKIT_* instead of calling --server")
		room     = pflag.String("room", "", "room name, defaults to the configured room")
		identity = pflag.String("identity", "", "participant identity, defaults to user-<unix ms>")
		name     = pflag.String("name", "", "display name")
		env      = pflag.String("config-env", "", "config file suffix")
		verbose  = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*env)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *room == "" {
		*room = cfg.Session.Room
	}
	if *identity == "" {
		*identity = fmt.Sprintf("user-%d", time.Now().UnixMilli())
	}

	var creds core.CredentialSource = token.NewClient(*server, nil)
	if *local {
		creds = token.NewIssuer(token.Config{
			ServerURL: cfg.LiveKit.URL,
			APIKey:    cfg.LiveKit.APIKey,
			APISecret: cfg.LiveKit.APISecret,
			TTL:       cfg.LiveKit.TokenTTL,
		})
	}
	dialer := livekit.NewDialer(livekit.Config{AgentPrefix: cfg.LiveKit.AgentPrefix})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := &printer{w: os.Stdout}
	done := make(chan struct{})
	var doneOnce sync.Once

	var ctrl *lifecycle.Controller
	ctrl = lifecycle.NewController(creds, dialer, lifecycle.Options{
		Room:              domain.RoomName(*room),
		Identity:          *identity,
		DisplayName:       *name,
		MirrorTranscripts: false,
		NavigateDelay:     cfg.Session.NavigateDelay,
		OnChange:          func() { out.update(ctrl.Snapshot()) },
		OnNavigate:        func() { doneOnce.Do(func() { close(done) }) },
	})
	defer ctrl.Close()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, lifecycle.AlertConnectFailed)
		log.Error().Err(err).Msg("start")
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-done:
		case <-gctx.Done():
			ctrl.End()
		}
		return nil
	})
	// stdin is not cancellable; the reader is abandoned when the session ends
	go readChat(ctx, os.Stdin, ctrl)

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("session")
	}
	snap := ctrl.Snapshot()
	fmt.Fprintf(os.Stdout, "-- %s (%d transcript lines, %d chat lines)\n",
		snap.Status, len(snap.Transcript), len(snap.Chat))
}

func readChat(ctx context.Context, r io.Reader, ctrl *lifecycle.Controller) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
		case "/end":
			ctrl.End()
			return
		case "/mic":
			ctrl.ToggleMicrophone(ctx)
		default:
			ctrl.SendChat(ctx, line)
		}
	}
}

// printer writes entries it has not printed yet. Views are append-only, so a
// count per view is enough.
type printer struct {
	mu         sync.Mutex
	w          io.Writer
	transcript int
	chat       int
	status     string
}

func (p *printer) update(s lifecycle.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Status != p.status {
		fmt.Fprintf(p.w, "[%s]\n", s.Status)
		p.status = s.Status
	}
	for _, e := range s.Transcript[min(p.transcript, len(s.Transcript)):] {
		fmt.Fprintf(p.w, "%s %-9s %s\n", e.Timestamp.Format("15:04:05"), e.Role, e.Content)
	}
	for _, e := range s.Chat[min(p.chat, len(s.Chat)):] {
		fmt.Fprintf(p.w, "%s %-9s %s\n", e.Timestamp.Format("15:04:05"), "<"+string(e.From)+">", e.Message)
	}
	p.transcript, p.chat = len(s.Transcript), len(s.Chat)
}
