// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"context"
	"strings"
)

const usage = `
Usage:

 # room
    go to a room

 $ nick
    change nick

 .
    list local files

 ^
    list files shared in the room

 > file-name
    upload a file

 < file-name
    download a file

 ?
    show this help
`

// Execute interprets one line of command input. Lines beginning with a
// command prefix invoke the corresponding operation; anything else is said
// in the current room. Blank lines are ignored.
func (c *Chatter) Execute(ctx context.Context, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	code := strings.TrimLeft(line, " \t")
	switch code[0] {
	case '#':
		return c.GotoRoom(ctx, strings.TrimSpace(code[1:]))

	case '$':
		_, err := c.SetNick(ctx, strings.TrimSpace(code[1:]))
		return err

	case '.':
		files, err := c.ListLocalFiles()
		if err != nil {
			return err
		}
		for _, f := range files {
			c.ui.Printf("%12d  %s", f.Size, f.Name)
		}
		return nil

	case '^':
		files, err := c.ListFiles(ctx)
		if err != nil {
			return err
		}
		for _, f := range files {
			c.ui.Printf("%12d  %s", f.Size, f.Name)
		}
		return nil

	case '>':
		return c.Upload(ctx, strings.TrimSpace(code[1:]))

	case '<':
		return c.Download(ctx, strings.TrimSpace(code[1:]))

	case '?':
		c.ui.Printf("%s", usage)
		return nil
	}
	return c.Say(ctx, strings.TrimRight(line, "\r\n"))
}
