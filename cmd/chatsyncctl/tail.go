package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mossnet/chatsync/pkg/chatsync"
	"github.com/mossnet/chatsync/pkg/wsocket"
)

var tailCommand = &cli.Command{
	Name:      "tail",
	Usage:     "Open a conversation and stream its messages",
	ArgsUsage: "KIND:PEER",
	Before:    prepareApp,
	After:     closeApp,
	Action:    cmdTail,
}

func cmdTail(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation (e.g. dm:42)")
	}
	conv, err := parseConversation(ctx.Args().Get(0))
	if err != nil {
		return err
	}

	client := getClient(ctx)
	cfg := getConfig(ctx)
	logger := getLogger(ctx)

	log := client.OpenConversation(conv)
	log.OnAccept(func(rec chatsync.MessageRecord) {
		printRecord(rec)
	})

	transport := wsocket.New(cfg.SocketURL, cfg.AccessToken, logger)
	if err := client.AttachSocket(transport); err != nil {
		return fmt.Errorf("failed to connect socket: %w", err)
	}

	// Ask the loader to pull the first history page as if the user had
	// just opened the conversation, and wait for it to land.
	firstPage := make(chan struct{})
	client.Loader().OnApplied(func(int, int) { close(firstPage) })
	if requestFirstPage(ctx.Context, client.Loader()) {
		select {
		case <-firstPage:
		case <-ctx.Context.Done():
			return ctx.Context.Err()
		}
	}
	client.Loader().OnApplied(nil)

	for _, rec := range client.VisibleMessages() {
		printRecord(rec)
	}
	client.MarkConversationRead(ctx.Context, conv)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// requestFirstPage replays the scroll gestures of a user who just opened
// the conversation pinned to the bottom and then nudged upward, so the
// loader's gates pass and page 1 is fetched. Returns true when the fetch
// was started.
func requestFirstPage(ctx context.Context, loader *chatsync.PageLoader) bool {
	loader.Observe(ctx, chatsync.ScrollSignal{AtBottom: true})
	return loader.Observe(ctx, chatsync.ScrollSignal{NearTop: true, MovedUpward: true})
}

func printRecord(rec chatsync.MessageRecord) {
	body := rec.Content
	if rec.DeletedForAll {
		body = "(recalled)"
	}
	fmt.Printf("[%s] %d: %s\n", rec.CreatedAt.Format("15:04:05"), rec.SenderID, body)
}
