package app

import "github.com/spf13/pflag"

// RegisterFlags registers all CLI flags on the given FlagSet. Zero defaults
// leave the value to the environment and the built-in defaults.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.StringP("transport", "t", "", "Transport type: stdio or sse")
	flags.StringP("host", "H", "", "Host for SSE transport")
	flags.IntP("port", "p", 0, "Port for SSE transport")
	flags.StringP("auth-type", "a", "", "Authentication type: none, basic, or apikey")
	flags.StringP("auth-basic-username", "u", "", "Basic auth username")
	flags.StringP("auth-basic-password", "P", "", "Basic auth password")
	flags.StringSliceP("auth-api-keys", "k", nil, "API keys (comma-separated)")

	flags.StringP("index-dir", "d", "", "Directory holding the sub-indexes (default ~/.osem/index)")
	flags.Bool("index-read-only", false, "Open existing sub-indexes without taking the directory lock")
	flags.Duration("index-lock-timeout", 0, "Maximum wait for the index directory lock")
	flags.Int("index-max-parallel-commits", 0, "Sub-indexes committed in parallel")

	flags.StringP("isolation", "i", "", "Transaction isolation: search, lucene, batch_insert, read_committed, or mt")
	flags.String("create-policy", "", "Create of an existing resource: upsert or reject")
	flags.String("cache-first-level", "", "Session cache: default or plain")
	flags.Bool("cache-shared", false, "Share committed resources across sessions")
	flags.Duration("cache-invalidation-interval", 0, "Period of the shared cache sweep")
	flags.Int("max-depth", 0, "Default depth of recursive components")
	flags.Bool("filter-duplicates", false, "Store repeated components once per resource")

	flags.StringP("log-level", "l", "", "Log level: debug, info, warn, or error")
	flags.IntP("max-results", "n", 0, "Maximum hits returned by a search")
}
