package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benaskins/portvisor/internal/browser"
	"github.com/benaskins/portvisor/internal/supervisor"
)

var openCmd = &cobra.Command{
	Use:   "open <service>",
	Short: "Open a service in the browser",
	Long:  "Open a service's local URL. The URL comes from the registry, so no daemon is needed and the service's state is not checked.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		copyURL, _ := cmd.Flags().GetBool("copy")
		printOnly, _ := cmd.Flags().GetBool("print")

		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		def, ok := reg.Lookup(args[0])
		if !ok {
			return fmt.Errorf("%w: %q", supervisor.ErrUnknownService, args[0])
		}
		url := supervisor.URL(def.Port)

		switch {
		case printOnly:
			fmt.Println(url)
		case copyURL:
			if err := browser.Copy(url); err != nil {
				return err
			}
			fmt.Printf("copied %s\n", url)
		default:
			if err := browser.Open(url); err != nil {
				return fmt.Errorf("%w (url: %s)", err, url)
			}
			fmt.Printf("opened %s\n", url)
		}
		return nil
	},
}

func init() {
	openCmd.Flags().Bool("copy", false, "copy the URL to the clipboard instead of opening it")
	openCmd.Flags().Bool("print", false, "print the URL only")
	rootCmd.AddCommand(openCmd)
}
