package main

import (
	"github.com/spf13/cobra"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/config"
)

func newRootCommand(gs *globalState) *cobra.Command {
	root := &cobra.Command{
		Use:   "serpwatch",
		Short: "Attribute and measure search engine result page visits",
		Long: `serpwatch attaches to a Chromium based browser over the DevTools protocol.

It attributes every search engine result page the user reaches to how they
got there, and reports how they interacted with it: which results they
clicked, how long the page had their attention and what it showed.

Options are read from flags, the environment (SERP_* variables) and an
optional .env file, in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return gs.configure(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&gs.flags.envFile, "env-file", defaultEnvFile, "file to read SERP_* variables from")
	pf.StringVar(&gs.flags.logLevel, "log-level", config.DefaultLogLevel, "log level: trace, debug, info, warn or error")
	pf.BoolVar(&gs.flags.debug, "debug", false, "write debug output regardless of the log level")
	pf.StringVar(&gs.flags.enginesFile, "engines", "", "YAML engine registry replacing the built-in one")
	pf.StringVar(&gs.flags.reportDir, "report-dir", config.DefaultReportDir, "directory visit reports are written to")
	pf.StringVar(&gs.flags.bridgeAddr, "bridge-addr", config.DefaultBridgeAddr, "listen address of the page bridge")
	pf.StringVar(&gs.flags.cdpURL, "cdp-url", "", "DevTools websocket URL of the browser")
	pf.StringVar(&gs.flags.browserPath, "browser", "", "browser executable to launch when no DevTools URL is set")

	root.AddCommand(
		newRunCommand(gs),
		newEnginesCommand(gs),
	)
	return root
}
