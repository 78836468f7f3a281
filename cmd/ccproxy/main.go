// ccproxy routes Claude Code and Codex requests across a list of upstream
// providers with sticky cache affinity and ordered failover.
//
// Usage:
//
//	# Start the proxy and point local clients at it
//	ccproxy start --configure
//
//	# Check whether it is running
//	ccproxy status
//
//	# Stop it
//	ccproxy stop
//
// Providers are read from ~/.cc-proxy/provider.json and reloaded on change.
package main

func main() {
	Execute()
}
