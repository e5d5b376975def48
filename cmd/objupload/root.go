package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "OBJUPLOAD"

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "objupload",
		Short: "Upload files to object storage",
		Long: `objupload uploads files to an object store.
Large files can be sent as resumable uploads in fixed size chunks, an interrupted
upload continues from the last byte the store confirmed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfiguration(v, cmd)
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug logs")
	_ = v.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newUploadCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("objupload {{.Version}}\n")

	return rootCmd
}

func loadConfiguration(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	configFile := v.GetString("config")
	if configFile == "" {
		v.SetConfigName("objupload")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/objupload")
	} else {
		v.SetConfigFile(configFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && configFile == "" {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}
