package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, rev := version, commit
		if info, ok := debug.ReadBuildInfo(); ok {
			if v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
				v = info.Main.Version
			}
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && rev == "" {
					rev = s.Value
				}
			}
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "reconciler %s", v)
		if rev != "" {
			fmt.Fprintf(out, " commit %s", rev)
		}
		fmt.Fprintf(out, " (%s)\n", runtime.Version())
		return nil
	},
}
