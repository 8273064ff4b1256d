package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/mossnet/chatsync/pkg/chatsync"
	"github.com/mossnet/chatsync/pkg/pubsub"
	"github.com/mossnet/chatsync/pkg/restapi"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyClient
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *chatsync.Config {
	return ctx.Context.Value(contextKeyConfig).(*chatsync.Config)
}

func getClient(ctx *cli.Context) *chatsync.Client {
	return ctx.Context.Value(contextKeyClient).(*chatsync.Client)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatsyncctl", "config.yaml")
}

// parseConversation parses KIND:PEER arguments like "dm:42" or
// "group:7".
func parseConversation(arg string) (chatsync.ConversationKey, error) {
	kind, peer, ok := strings.Cut(arg, ":")
	if !ok {
		return chatsync.ConversationKey{}, fmt.Errorf("conversation must look like dm:ID or group:ID, got %q", arg)
	}
	var k chatsync.ConversationKind
	switch kind {
	case "dm":
		k = chatsync.ConversationDM
	case "group":
		k = chatsync.ConversationGroup
	default:
		return chatsync.ConversationKey{}, fmt.Errorf("unknown conversation kind %q", kind)
	}
	peerID, err := strconv.ParseInt(peer, 10, 64)
	if err != nil {
		return chatsync.ConversationKey{}, fmt.Errorf("bad peer ID %q: %w", peer, err)
	}
	return chatsync.ConversationKey{Kind: k, PeerID: peerID}, nil
}

func prepareApp(ctx *cli.Context) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !ctx.Bool("verbose") {
		logger = logger.Level(zerolog.WarnLevel)
	}

	cfg, err := chatsync.LoadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.AccessToken == "" {
		return fmt.Errorf("access_token is not set in %s", ctx.String("config"))
	}
	identity, err := chatsync.IdentityFromToken(cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to read identity from access token: %w", err)
	}

	var store *chatsync.SessionStore
	if cfg.SessionStorePath != "" {
		store, err = chatsync.OpenSessionStore(cfg.SessionStorePath, identity.UserID)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
	}

	api := restapi.New(cfg.APIBaseURL, cfg.AccessToken, logger)
	client := chatsync.NewClient(identity, cfg, api.Services(), store, chatsync.RealClock(), logger)
	if err := client.Bootstrap(ctx.Context); err != nil {
		return fmt.Errorf("failed to bootstrap client: %w", err)
	}
	if err := attachBroadcasts(ctx.Context, client, cfg, logger); err != nil {
		return err
	}

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyClient, client)
	newCtx = context.WithValue(newCtx, contextKeyLogger, logger)
	ctx.Context = newCtx
	return nil
}

func attachBroadcasts(ctx context.Context, client *chatsync.Client, cfg *chatsync.Config, logger zerolog.Logger) error {
	if cfg.Broadcast.RedisAddr != "" {
		port := pubsub.NewRedis(cfg.Broadcast.RedisAddr, cfg.Broadcast.RedisChannel, logger)
		if err := client.AttachBroadcast(ctx, port); err != nil {
			return fmt.Errorf("failed to attach redis broadcast: %w", err)
		}
	}
	if cfg.Broadcast.NATSURL != "" {
		port, err := pubsub.NewNATS(cfg.Broadcast.NATSURL, cfg.Broadcast.NATSSubject, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		if err := client.AttachBroadcast(ctx, port); err != nil {
			return fmt.Errorf("failed to attach NATS broadcast: %w", err)
		}
	}
	return nil
}

func closeApp(ctx *cli.Context) error {
	if val := ctx.Context.Value(contextKeyClient); val != nil {
		return val.(*chatsync.Client).Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "chatsyncctl",
		Usage:   "Headless chat conversation sync client",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			tailCommand,
			sendCommand,
			unreadCommand,
			lockCommand,
			unlockCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
