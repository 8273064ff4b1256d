package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

var lockCommand = &cli.Command{
	Name:   "lock",
	Usage:  "Manage the encryption lock gate",
	Before: prepareApp,
	After:  closeApp,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "enable",
			Usage: "Turn the encryption lock on",
		},
		&cli.BoolFlag{
			Name:  "disable",
			Usage: "Turn the encryption lock off",
		},
		&cli.StringFlag{
			Name:  "set-pin",
			Usage: "Set a new unlock PIN (hashed before leaving this machine)",
		},
	},
	Action: cmdLock,
}

var unlockCommand = &cli.Command{
	Name:      "unlock",
	Usage:     "Unlock the encryption gate for this session",
	ArgsUsage: "PIN",
	Before:    prepareApp,
	After:     closeApp,
	Action:    cmdUnlock,
}

func cmdLock(ctx *cli.Context) error {
	client := getClient(ctx)

	if pin := ctx.String("set-pin"); pin != "" {
		if err := client.SetPIN(ctx.Context, pin); err != nil {
			return fmt.Errorf("failed to set PIN: %w", err)
		}
		fmt.Println("PIN updated")
	}

	switch {
	case ctx.Bool("enable") && ctx.Bool("disable"):
		return fmt.Errorf("--enable and --disable are mutually exclusive")
	case ctx.Bool("enable"):
		if err := client.SetLockEnabled(ctx.Context, true); err != nil {
			return fmt.Errorf("failed to enable lock: %w", err)
		}
	case ctx.Bool("disable"):
		if err := client.SetLockEnabled(ctx.Context, false); err != nil {
			return fmt.Errorf("failed to disable lock: %w", err)
		}
	default:
		// Bare "lock" drops an unlocked session back to locked.
		client.Gate().Relock(ctx.Context)
	}

	fmt.Printf("Lock state: %s\n", client.Gate().Current().Phase())
	return nil
}

func cmdUnlock(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must provide the PIN")
	}
	client := getClient(ctx)
	err := client.Gate().Unlock(ctx.Context, ctx.Args().Get(0))
	if errors.Is(err, chatsync.ErrWrongPIN) {
		return fmt.Errorf("wrong PIN")
	} else if err != nil {
		return err
	}
	fmt.Printf("Lock state: %s\n", client.Gate().Current().Phase())
	return nil
}
