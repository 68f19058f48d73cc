// Package main — точка входа realtime-relay (HTTP + WebSocket).
package main

import (
	"log"

	"github.com/psds-microservice/realtime-relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
