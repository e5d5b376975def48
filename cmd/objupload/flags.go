package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flagLoader reads configuration values with CLI flag precedence.
// An explicitly set flag wins, otherwise viper's order applies: env > config file > default.
type flagLoader struct {
	cmd   *cobra.Command
	viper *viper.Viper
}

func newFlagLoader(cmd *cobra.Command, v *viper.Viper) *flagLoader {
	return &flagLoader{cmd: cmd, viper: v}
}

func (f *flagLoader) String(flagName string) string {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetString(flagName)
		return val
	}
	return f.viper.GetString(flagName)
}

func (f *flagLoader) Bool(flagName string) bool {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetBool(flagName)
		return val
	}
	return f.viper.GetBool(flagName)
}

func (f *flagLoader) Uint(flagName string) uint {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetUint(flagName)
		return val
	}
	return f.viper.GetUint(flagName)
}

func (f *flagLoader) Duration(flagName string) time.Duration {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetDuration(flagName)
		return val
	}
	return f.viper.GetDuration(flagName)
}
