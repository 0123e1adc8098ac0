// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program chat-client connects to a chat service and runs a line-oriented
// console for it. Type ? at the prompt for the available commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/parley"
	"github.com/creachadair/parley/chat/client"
	"github.com/creachadair/parley/links"
)

var flags struct {
	Addr  string `flag:"addr,default=localhost:3232,Chat service address"`
	Nick  string `flag:"nick,Nickname to sign in with"`
	Files string `flag:"files,default=chat-client-files,Directory for local room files"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Connect to a chat service and chat away.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      runClient,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runClient(env *command.Env) error {
	ctx := context.Background()

	ui := new(consoleUI)
	c := client.New(ui, flags.Files)

	network, addr := links.SplitAddress(flags.Addr)
	ch, err := links.Dial(network, addr)
	if err != nil {
		return err
	}
	if err := c.Start(ctx, ch, flags.Addr); err != nil {
		return err
	}
	if flags.Nick != "" {
		if _, err := c.SetNick(ctx, flags.Nick); err != nil {
			ui.Printf("!! set nick: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { defer close(done); c.Wait() }()

	in := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-done:
			return nil
		default:
		}
		fmt.Print(ui.Prompt())
		if !in.Scan() {
			break // end of input; disconnect
		}
		if err := c.Execute(ctx, in.Text()); err != nil {
			if errors.Is(err, parley.ErrLinkStopped) {
				break
			}
			ui.Printf("!! %v", err)
		}
	}
	return c.Stop()
}

// consoleUI writes session output to stdout, one line per message.
type consoleUI struct {
	μ      sync.Mutex
	prompt string
}

func (u *consoleUI) Printf(msg string, args ...any) {
	u.μ.Lock()
	defer u.μ.Unlock()
	fmt.Fprintf(os.Stdout, msg+"\n", args...)
}

func (u *consoleUI) SetPrompt(p string) {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.prompt = p
}

func (u *consoleUI) Prompt() string {
	u.μ.Lock()
	defer u.μ.Unlock()
	return u.prompt
}
