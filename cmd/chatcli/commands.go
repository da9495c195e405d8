package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/suPer8Hu/ai-chat/internal/chatclient"
)

const defaultIdle = 45 * time.Second

func newClient(c *cli.Context) (*chatclient.Client, error) {
	return chatclient.New(c.String("server"),
		chatclient.WithToken(c.String("token")),
		chatclient.WithIdleTimeout(c.Duration("idle-timeout")),
	)
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message and stream the reply",
		ArgsUsage: "CHAT_ID MESSAGE...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Value: "ollama/llama3:latest", Usage: "Model, optionally `provider/name`"},
			&cli.StringFlag{Name: "field", Aliases: []string{"f"}, Value: "Normal Chat", Usage: "Domination field"},
			&cli.StringFlag{Name: "prompt", Usage: "Custom instructions appended to the system prompt"},
			&cli.StringFlag{Name: "pair-id", Usage: "Reuse a message pair id (retries are idempotent)"},
		},
		Action: runSend,
	}
}

func runSend(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: send CHAT_ID MESSAGE")
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}

	out := c.App.Writer
	p := &progress{w: out}
	e, err := client.Send(c.Context, chatclient.SendRequest{
		ChatID:          c.Args().First(),
		Content:         strings.Join(c.Args().Tail(), " "),
		MessagePairID:   c.String("pair-id"),
		Model:           c.String("model"),
		DominationField: c.String("field"),
		CustomPrompt:    c.String("prompt"),
	}, p.update)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if e.State == chatclient.StateFailed {
		return cli.Exit(fmt.Sprintf("exchange %s failed: %s", e.MessagePairID, e.Reason), 2)
	}
	if e.ChatTopic != "" {
		fmt.Fprintf(out, "[chat named %q]\n", e.ChatTopic)
	}
	return nil
}

// progress prints only the text not yet shown.
type progress struct {
	w       io.Writer
	printed string
}

func (p *progress) update(e chatclient.Entry) {
	if strings.HasPrefix(e.AssistantContent, p.printed) {
		fmt.Fprint(p.w, e.AssistantContent[len(p.printed):])
	} else {
		fmt.Fprintf(p.w, "\n%s", e.AssistantContent)
	}
	p.printed = e.AssistantContent
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print a chat's messages",
		ArgsUsage: "CHAT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: history CHAT_ID")
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			pairs, err := client.History(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			for _, p := range pairs {
				fmt.Fprintf(c.App.Writer, "[%s] %s\n> %s\n< %s\n\n", p.Status, p.MessagePairID, p.UserContent, p.AssistantContent)
			}
			return nil
		},
	}
}

func abortCommand() *cli.Command {
	return &cli.Command{
		Name:      "abort",
		Usage:     "Stop a chat's in-flight exchange",
		ArgsUsage: "CHAT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: abort CHAT_ID")
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			ok, err := client.Abort(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(c.App.Writer, "nothing to abort")
				return nil
			}
			fmt.Fprintln(c.App.Writer, "aborted")
			return nil
		},
	}
}
