package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/help"
	"github.com/go-go-golems/letterbot/pkg/doc"
	"github.com/go-go-golems/letterbot/pkg/persona"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/settings"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "letterbot",
	Short: "letterbot answers questions about a letter, in the voice of a kind pastor",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		err := clay.InitLogger()
		cobra.CheckErr(err)
	},
}

func main() {
	helpSystem := help.NewHelpSystem()
	err := doc.AddDocToHelpSystem(helpSystem)
	cobra.CheckErr(err)
	helpSystem.SetupCobraRootCommand(rootCmd)

	err = clay.InitViper("letterbot", rootCmd)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error initializing config: %s\n", err)
		os.Exit(1)
	}
	err = clay.InitLogger()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error initializing logger: %s\n", err)
		os.Exit(1)
	}

	rootCmd.PersistentFlags().String("persona", "", "Persona YAML file (defaults to the built-in persona)")
	cobra.CheckErr(viper.BindPFlag("persona", rootCmd.PersistentFlags().Lookup("persona")))
	cobra.CheckErr(settings.AddFlags(rootCmd, viper.GetViper()))

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newChatCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.CheckErr(rootCmd.ExecuteContext(ctx))
}

// loadConfiguration returns the validated settings, the persona and its
// rendered instruction.
func loadConfiguration() (*settings.StepSettings, *persona.Persona, string, error) {
	stepSettings, err := settings.NewStepSettingsFromViper(viper.GetViper())
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "could not load settings")
	}

	p, err := persona.LoadOrDefault(viper.GetString("persona"))
	if err != nil {
		return nil, nil, "", err
	}

	instruction, err := p.SystemInstruction()
	if err != nil {
		return nil, nil, "", err
	}

	return stepSettings, p, instruction, nil
}
