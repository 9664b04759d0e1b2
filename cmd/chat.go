package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"github.com/pigpt/pigpt/pigpt"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"io"
	"log"
	"os"
	"strings"
)

const chatPrompt = "> "

var (
	chatUser    string
	chatMessage string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the bot from the terminal, without Discord",
	Long: "Sends messages through the same conversation pipeline the Discord " +
		"bot uses. With --message, sends one message and prints the reply. " +
		"Otherwise, reads one message per line from stdin.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg.Discord.Enabled = false
		cfg.Relay.Enabled = false

		bot, err := pigpt.New(ctx, cfg)
		if err != nil {
			log.Fatalf("error creating pigpt: %s", err.Error())
		}
		defer func() {
			if closeErr := bot.Close(); closeErr != nil {
				log.Printf("error closing store: %s", closeErr.Error())
			}
		}()

		out := cmd.OutOrStdout()
		if chatMessage != "" {
			reply, respErr := bot.Respond(ctx, chatUser, chatMessage)
			if respErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", respErr.Error())
				return
			}
			fmt.Fprintln(out, reply)
			return
		}

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		if err = chatLoop(ctx, cmd.InOrStdin(), out, interactive, bot, chatUser); err != nil {
			log.Printf("error: %s", err.Error())
		}
	},
}

// chatLoop sends each non-empty line read from in to the responder, writing
// replies to out. With prompt set, a prompt is written before each line.
// Reply errors are written to out, and don't stop the loop.
func chatLoop(
	ctx context.Context,
	in io.Reader,
	out io.Writer,
	prompt bool,
	responder pigpt.Responder,
	user string,
) error {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(out, chatPrompt)
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, err := responder.Respond(ctx, user, line)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, pigpt.ErrUserBusy):
			fmt.Fprintln(out, pigpt.DefaultDiscordBusyMessage)
		case err != nil:
			fmt.Fprintf(out, "error: %s\n", err.Error())
		default:
			fmt.Fprintln(out, reply)
		}
	}
}

func init() {
	chatCmd.Flags().StringVarP(
		&chatUser,
		"user",
		"u",
		"cli",
		"User ID to chat as (each user has their own history)",
	)
	chatCmd.Flags().StringVarP(
		&chatMessage,
		"message",
		"m",
		"",
		"Send a single message and exit",
	)
	rootCmd.AddCommand(chatCmd)
}
