package main

import (
	"fmt"

	mcobra "github.com/muesli/mango-cobra"
	"github.com/muesli/roff"
	"github.com/spf13/cobra"
)

var manCmd = &cobra.Command{
	Use:                   "man",
	Short:                 "Generates manpages",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Hidden:                true,
	Args:                  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		page, err := mcobra.NewManPage(1, rootCmd)
		if err != nil {
			return err //nolint:wrapcheck
		}

		page = page.WithSection("Files", "Configuration is read from tunecache.yml in the user config directory.\n"+
			"Cached audio lives under storage.cache_dir.")
		fmt.Println(page.Build(roff.NewDocument()))
		return nil
	},
}
