package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "assetpipe",
	Short: "Asset pipeline for static sites",
	Long: `assetpipe builds the assets of a static site (CSS, Sass, JavaScript, HTML and images) from the tasks
declared in tasks.star, serves the result with livereload and rebuilds whenever a source changes.

Projects without a tasks.star use the built-in script. Run "assetpipe init" to copy it into the project.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "log level (debug, info, warn, error, fatal)")
	flags.Bool("log-json", false, "output JSONND instead of pretty console messages")
	flags.String("host", "", "address the dev server listens on")
	flags.Int("port", 0, "port of the dev server")
	flags.Bool("no-browser", false, "don't open a browser once the dev server is running")
	flags.Bool("no-livereload", false, "don't reload the browser after each rebuild")
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
