package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/watzon/sellia/internal/config"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the locally saved api_key",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save a server URL and api_key for future client runs",
	RunE:  runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the saved api_key",
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Validate the saved api_key against the configured AuthProvider",
	RunE:  runAuthStatus,
}

func init() {
	authLoginCmd.Flags().StringP("server", "s", "", "Server URL to save")
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)

	authStatusCmd.Flags().Bool("require-auth", false, "Match the server's require-auth setting")
	authStatusCmd.Flags().String("master-key", "", "Match the server's master-key when require-auth is set")
	authStatusCmd.Flags().String("database-url", "", "Match the server's database-url")
}

func authConfigPath() string {
	if path := config.FindConfigFile(); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "sellia.yaml"
	}
	return filepath.Join(home, ".sellia.yaml")
}

func loadOrEmptyConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

func saveConfig(path string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	path := authConfigPath()
	cfg, err := loadOrEmptyConfig(path)
	if err != nil {
		return err
	}

	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = cfg.Client.Server
	}
	if server == "" {
		server = promptLine("Server URL: ")
	}
	cfg.Client.Server = server

	fmt.Print("API key: ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read api key: %w", err)
	}
	cfg.Client.APIKey = string(keyBytes)

	if err := saveConfig(path, cfg); err != nil {
		return err
	}
	fmt.Println(color.GreenString("Saved credentials to %s", path))
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	path := authConfigPath()
	cfg, err := loadOrEmptyConfig(path)
	if err != nil {
		return err
	}
	cfg.Client.APIKey = ""
	if err := saveConfig(path, cfg); err != nil {
		return err
	}
	fmt.Println(color.YellowString("Cleared saved api_key"))
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	path := authConfigPath()
	cfg, err := loadOrEmptyConfig(path)
	if err != nil {
		return err
	}
	if cfg.Client.APIKey == "" {
		fmt.Println(color.YellowString("Not logged in (no api_key saved in %s)", path))
		return nil
	}

	requireAuth, _ := cmd.Flags().GetBool("require-auth")
	masterKey, _ := cmd.Flags().GetString("master-key")
	databaseURL, _ := cmd.Flags().GetString("database-url")

	ctx := context.Background()
	auth, _, closeAuth, err := buildAuthProvider(ctx, config.ServerConfig{
		RequireAuth: requireAuth,
		MasterKey:   masterKey,
		DatabaseURL: databaseURL,
	})
	if err != nil {
		return err
	}
	if closeAuth != nil {
		defer closeAuth()
	}

	accountID, ok := auth.Validate(ctx, cfg.Client.APIKey)
	if !ok {
		fmt.Println(color.RedString("api_key is not valid"))
		return nil
	}
	fmt.Printf("Logged in as %s (server: %s)\n", color.CyanString(accountID), cfg.Client.Server)
	return nil
}

func promptLine(label string) string {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
