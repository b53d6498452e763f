// Command geoscraper scrapes GeoCentralis property records into a resumable
// work store.
//
// Run "geoscraper serve" for the operator API, the live WebSocket feed and
// the cron scheduler, or drive a single job from the shell with
// "geoscraper import" followed by "geoscraper run --workers N". Settings come
// from an optional YAML file (--config), a .env file, and GEOSCRAPER_*
// environment variables, in increasing order of precedence.
package main

import (
	"github.com/PytechNo/GeoCentralis-Scraper/cmd"
)

func main() {
	cmd.Execute()
}
