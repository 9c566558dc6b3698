package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"AnalystChat/internal/chatbot"
)

func newChatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBot(cmd, flags, func(ctx context.Context, bot *chatbot.ChatBot) error {
				return bot.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions [search term]",
		Short: "List conversations",
		Long:  `List your conversations, newest first. An optional term filters by title.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBot(cmd, flags, func(ctx context.Context, bot *chatbot.ChatBot) error {
				return bot.PrintSessions(ctx, cmd.OutOrStdout(), strings.Join(args, " "))
			})
		},
	}
}

func newProgressCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <session-id>",
		Short: "Show the recorded progress of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBot(cmd, flags, func(ctx context.Context, bot *chatbot.ChatBot) error {
				return bot.PrintProgress(ctx, cmd.OutOrStdout(), args[0])
			})
		},
	}
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow the live progress of a running analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBot(cmd, flags, func(ctx context.Context, bot *chatbot.ChatBot) error {
				return bot.Watch(ctx, cmd.OutOrStdout(), args[0])
			})
		},
	}
}
