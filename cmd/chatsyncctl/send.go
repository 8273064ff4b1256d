package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message to a conversation",
	ArgsUsage: "KIND:PEER MESSAGE...",
	Before:    prepareApp,
	After:     closeApp,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "file",
			Usage: "Send the given file as an attachment instead of text",
		},
	},
	Action: cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation (e.g. group:7)")
	}
	conv, err := parseConversation(ctx.Args().Get(0))
	if err != nil {
		return err
	}

	client := getClient(ctx)
	client.OpenConversation(conv)

	if path := ctx.String("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read attachment: %w", err)
		}
		tempID, err := client.SendAttachment(ctx.Context, conv, path, data)
		if err != nil {
			return fmt.Errorf("failed to send attachment: %w", err)
		}
		fmt.Printf("Sent attachment %s (%s)\n", path, tempID)
		return nil
	}

	text := strings.Join(ctx.Args().Slice()[1:], " ")
	if text == "" {
		return fmt.Errorf("nothing to send")
	}
	tempID, err := client.Send(ctx.Context, conv, chatsync.MessageText, text)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	fmt.Printf("Sent (%s)\n", tempID)
	return nil
}
