package main

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

var unreadCommand = &cli.Command{
	Name:   "unread",
	Usage:  "Show per-conversation unread counts",
	Before: prepareApp,
	After:  closeApp,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mark-read",
			Usage: "Mark the given conversation (KIND:PEER) read instead of listing",
		},
	},
	Action: cmdUnread,
}

func cmdUnread(ctx *cli.Context) error {
	client := getClient(ctx)

	if arg := ctx.String("mark-read"); arg != "" {
		conv, err := parseConversation(arg)
		if err != nil {
			return err
		}
		client.MarkConversationRead(ctx.Context, conv)
		fmt.Printf("Marked %s read\n", conv)
		return nil
	}

	counts := client.Unread().Counts()
	if len(counts) == 0 {
		fmt.Println("No unread messages")
		return nil
	}
	keys := make([]chatsync.ConversationKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].PeerID < keys[j].PeerID
	})
	for _, k := range keys {
		fmt.Printf("%-16s %d\n", k, counts[k])
	}
	fmt.Printf("%-16s %d\n", "total", client.Unread().Total())
	return nil
}
