// Package main is the entry point for the whiteboard hub (HTTP + WebSocket).
package main

import (
	"log"

	"github.com/psds-microservice/whiteboard-hub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
