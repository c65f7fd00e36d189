package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/pkg/backend"
	"github.com/chriscow/voice-session-go/pkg/capture/portaudio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Log)

		mic, err := portaudio.Open(logger)
		if err != nil {
			return err
		}
		defer mic.Close()

		inputs, err := mic.Inputs()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEFAULT\tNAME\tHOST API\tCHANNELS\tRATE")
		for _, d := range inputs {
			mark := ""
			if d.Default {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\n", mark, d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate)
		}
		return w.Flush()
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available exchange backends",
	Run: func(cmd *cobra.Command, args []string) {
		for _, e := range backend.List() {
			fmt.Printf("%-8s %s\n", e.Name, e.Description)
		}
	},
}
