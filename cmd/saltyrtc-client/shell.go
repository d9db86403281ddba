package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/saltyrtc/client"
	"github.com/edup2p/saltyrtc/signaling"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/nonce"
)

const requestTimeout = 5 * time.Second

func runShell(ctx context.Context, conn *client.Conn, pub key.PublicKey) {
	shell := ishell.New()

	shell.SetHomeHistoryPath(".saltyrtc_history")

	shell.Println("SaltyRTC Interactive Shell")
	shell.Println("public key:", pub.String())

	go printIncoming(shell, conn)

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "key",
		Help: "show the permanent public key",
		Func: func(c *ishell.Context) {
			c.Println("pub:", pub.Debug())
		},
	})

	shell.AddCmd(stateCmd(ctx, conn))
	shell.AddCmd(sendCmd(ctx, conn))
	shell.AddCmd(dropCmd(ctx, conn))

	shell.AddCmd(&ishell.Cmd{
		Name: "close",
		Help: "close the connection and exit",
		Func: func(c *ishell.Context) {
			c.Stop()
		},
	})

	shell.Run()
}

// printIncoming writes peer messages and signaling events to the shell until the connection ends.
func printIncoming(shell *ishell.Shell, conn *client.Conn) {
	recv := conn.Recv()
	events := conn.Events()

	for recv != nil || events != nil {
		select {
		case msg, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			shell.Printf("<%s> %s\n", msg.From, msg.Data)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			shell.Println("*", ev.Debug())
		}
	}

	shell.Println("connection ended:", conn.CloseCode(), conn.Err())
}

func stateCmd(ctx context.Context, conn *client.Conn) *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "state",
		Help: "show the signaling state",
		Func: func(c *ishell.Context) {
			rctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			st, err := conn.State(rctx)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("state:", st)
			if task := conn.Task(); task != "" {
				c.Println("task:", task)
			}
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "responders",
		Help: "list the responders known to the initiator",
		Func: func(c *ishell.Context) {
			rctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			rs, err := conn.Responders(rctx)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("responders:", rs)
		},
	})

	return c
}

func sendCmd(ctx context.Context, conn *client.Conn) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "send",
		Help: "send a message to the peer: <text...>",
		Func: func(c *ishell.Context) {
			var line string
			if len(c.Args) == 0 {
				c.Println("enter the message")
				line = c.ReadLine()
			} else {
				line = strings.Join(c.Args, " ")
			}

			rctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			if err := conn.Send(rctx, []byte(line)); err != nil {
				c.Err(err)
			}
		},
	}
}

func dropCmd(ctx context.Context, conn *client.Conn) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "drop",
		Help: "drop a responder: <address> [close code]",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(errors.New("need a responder address"))
				return
			}

			addr, err := strconv.ParseUint(strings.TrimPrefix(c.Args[0], "0x"), 16, 8)
			if err != nil {
				c.Err(err)
				return
			}

			reason := signaling.CloseDroppedByInitiator
			if len(c.Args) > 1 {
				code, err := strconv.ParseUint(c.Args[1], 10, 16)
				if err != nil {
					c.Err(err)
					return
				}
				reason = signaling.CloseCode(code)
			}

			rctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			if err := conn.DropResponder(rctx, nonce.Address(addr), reason); err != nil {
				c.Err(err)
				return
			}

			c.Println("dropped", nonce.Address(addr))
		},
	}
}
