// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program chat-server runs a multi-room chat service.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/parley/chat/service"
	"github.com/creachadair/parley/links"
)

var flags struct {
	Addr  string `flag:"addr,default=localhost:3232,Service address to listen on"`
	Files string `flag:"files,default=chat-server-files,Directory for shared room files"`
	Hist  int    `flag:"history,default=10,Messages of history retained per room"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Run a multi-room chat service.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      runServer,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServer(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := service.NewFileStore(flags.Files)
	if err != nil {
		return err
	}
	svc := service.New(service.Config{
		Store:   store,
		MaxHist: flags.Hist,
		Logf:    log.Printf,
	})

	network, addr := links.SplitAddress(flags.Addr)
	lst, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	log.Printf("chat service listening at %v", lst.Addr())
	return links.Loop(ctx, links.NetAccepter(lst), svc.NewLink)
}
