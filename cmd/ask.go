package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fabfab/go-assistant/agent"
	"github.com/fabfab/go-assistant/llm"
	"github.com/fabfab/go-assistant/session"
)

// runner is the slice of agent.Agent the chat loop needs.
type runner interface {
	Run(ctx context.Context, id session.Identity, history []llm.Message, input string, emit func(string) error) (agent.Response, []llm.Message, error)
}

func newAskCommand(flags *globalFlags) *cobra.Command {
	var user, question string

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Chat with the assistant as a given user",
		Long: `Chat with the assistant from the terminal. Document search runs with the
permissions of --as. Calendar and GitHub tools use connections the user
already granted through the web flow. With --question a single answer is
printed; otherwise questions are read from stdin until EOF or "exit".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := session.Identity{Subject: user, Email: user}
			return withRuntime(cmd, flags, func(ctx context.Context, rt *runtime) error {
				provider := session.NewOIDCProvider(rt.cfg.OIDC, rt.cfg.PublicURL+"/auth/callback", nil)
				assistant, err := rt.assistant(provider, rt.connections())
				if err != nil {
					return err
				}
				if strings.TrimSpace(question) != "" {
					_, err := askOnce(ctx, assistant, id, nil, question, cmd.OutOrStdout())
					return err
				}
				return chatLoop(ctx, assistant, id, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&user, "as", "", "email of the user to chat as")
	cmd.Flags().StringVar(&question, "question", "", "ask a single question and exit")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func askOnce(ctx context.Context, r runner, id session.Identity, history []llm.Message, input string, out io.Writer) ([]llm.Message, error) {
	resp, updated, err := r.Run(ctx, id, history, input, func(delta string) error {
		_, err := io.WriteString(out, delta)
		return err
	})
	if err != nil {
		return history, err
	}
	fmt.Fprintln(out)
	if len(resp.Invocations) > 0 {
		names := make([]string, 0, len(resp.Invocations))
		for _, inv := range resp.Invocations {
			name := inv.Tool
			if inv.Failed {
				name += " (failed)"
			}
			names = append(names, name)
		}
		fmt.Fprintf(out, "tools: %s\n", strings.Join(names, ", "))
	}
	return updated, nil
}

// chatLoop keeps the conversation history across questions read from in.
func chatLoop(ctx context.Context, r runner, id session.Identity, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	var history []llm.Message
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		updated, err := askOnce(ctx, r, id, history, line, out)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, agent.ErrEmptyInput) {
				continue
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		history = updated
	}
}
