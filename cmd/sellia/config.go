package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/watzon/sellia/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the sellia YAML config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter sellia.yaml in the current directory",
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().StringP("output", "o", "sellia.yaml", "Path to write")
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("output")

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; remove it first or pass --output", path)
	}

	if err := os.WriteFile(path, []byte(config.ExampleConfig), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Println(color.GreenString("Wrote %s", path))
	return nil
}
