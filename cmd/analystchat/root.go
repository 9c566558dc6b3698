package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"AnalystChat/internal/chatbot"
	"AnalystChat/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags are shared by every subcommand and override the config file
type globalFlags struct {
	configPath string
	apiURL     string
	email      string
	debug      bool
	archive    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "analystchat",
		Short: "Chat with the analytics assistant from the terminal",
		Long: `A terminal client for the analytics assistant.

Ask questions in natural language, follow the progress of long-running
analyses, and browse or delete past conversations.

Quick Start:
  analystchat chat                 # Start an interactive chat
  analystchat sessions             # List your conversations
  analystchat watch <session-id>   # Follow a running analysis`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "analystchat.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.apiURL, "api-url", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.email, "email", "", "User email sent with queries (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flags.archive, "archive", "", "SQLite file journaling progress events")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newChatCmd(flags),
		newSessionsCmd(flags),
		newProgressCmd(flags),
		newWatchCmd(flags),
	)
	return rootCmd
}

// loadConfig reads the config file and applies flags the user set explicitly
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	pf := cmd.Flags()
	if pf.Changed("api-url") {
		cfg.APIURL = flags.apiURL
	}
	if pf.Changed("email") {
		cfg.UserEmail = flags.email
	}
	if pf.Changed("debug") {
		cfg.Debug = flags.debug
	}
	if pf.Changed("archive") {
		cfg.ArchivePath = flags.archive
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withBot builds a ChatBot for the command and runs fn with a context that
// ends on interrupt
func withBot(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, bot *chatbot.ChatBot) error) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	defer bot.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, bot)
}
