// Package app contains the Cobra command tree for chess-quant.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/park285/chess-quant/internal/output"
)

var appVersion = "dev"

// SetVersion sets the application version (called from main with ldflags value).
func SetVersion(v string) {
	appVersion = v
	rootCmd.Version = v
}

var (
	flagNoColor bool
	flagJSON    bool
	flagConfig  string
	flagUser    string
)

var rootCmd = &cobra.Command{
	Use:   "chess-quant",
	Short: "Engine-backed game analysis and tilt scoring for Lichess players",
	Long: `chess-quant pulls a player's recent Lichess games, evaluates every move
with a local UCI engine, and turns the current play session into a tilt score.

Run 'chess-quant serve' to keep a player's games analyzed in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagNoColor {
			output.SetNoColor(true)
		} else {
			output.DetectColor(os.Stdout)
		}
	},
}

// Execute is the entry point called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: ~/.config/chess-quant/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "Lichess username (overrides LICHESS_USERNAME)")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
}
