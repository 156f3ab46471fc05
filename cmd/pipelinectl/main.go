// Command pipelinectl triggers and inspects pipeline runs from the shell
// or an external cron.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(loadEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
