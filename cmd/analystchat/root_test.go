package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "version flag", args: []string{"--version"}},
		{name: "help flag", args: []string{"--help"}},
		{name: "progress needs an id", args: []string{"progress"}, wantErr: true},
		{name: "watch takes one id", args: []string{"watch", "a", "b"}, wantErr: true},
		{name: "unknown command", args: []string{"bogus"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(tt.args)
			var stdout, stderr bytes.Buffer
			cmd.SetOut(&stdout)
			cmd.SetErr(&stderr)

			err := cmd.Execute()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	t.Setenv("ANALYSTCHAT_API_URL", "")
	t.Setenv("ANALYSTCHAT_USER_EMAIL", "")

	path := filepath.Join(t.TempDir(), "analystchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_url: http://file.example:8001\nuser_email: file@example.com\n"), 0644))

	flags := &globalFlags{configPath: path}
	cmd := &cobra.Command{Use: "chat"}
	cmd.Flags().StringVar(&flags.apiURL, "api-url", "", "")
	cmd.Flags().StringVar(&flags.archive, "archive", "", "")
	require.NoError(t, cmd.Flags().Set("api-url", "https://flag.example"))

	cfg, err := loadConfig(cmd, flags)
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example", cfg.APIURL)
	assert.Equal(t, "file@example.com", cfg.UserEmail)
	assert.Empty(t, cfg.ArchivePath)
}

func TestLoadConfigRejectsBadURL(t *testing.T) {
	t.Setenv("ANALYSTCHAT_API_URL", "")

	flags := &globalFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")}
	cmd := &cobra.Command{Use: "chat"}
	cmd.Flags().StringVar(&flags.apiURL, "api-url", "", "")
	require.NoError(t, cmd.Flags().Set("api-url", "ftp://nope"))

	_, err := loadConfig(cmd, flags)
	assert.Error(t, err)
}
