// dlqctl is the operator CLI for dlqtriage.
package main

import (
	"log"

	"github.com/linnemanlabs/dlqtriage/cmd/dlqctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
