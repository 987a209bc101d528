package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"shellbroker/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter shellbroker.yaml in the current directory",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if config.ConfigExists() {
		return fmt.Errorf("%s already exists", config.ConfigFileName)
	}

	out, err := yaml.Marshal(config.Defaults())
	if err != nil {
		return err
	}

	header := []byte("# shellbroker configuration. Fill in host/username and either\n" +
		"# private_key or password before running `shellbroker serve`.\n" +
		"# Values may reference ${VAR} environment variables or a .env file\n" +
		"# alongside this one.\n")
	out = append(header, out...)

	if err := os.WriteFile(config.ConfigFileName, out, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", config.ConfigFileName)
	return nil
}
