// Package main — точка входа consult-service (HTTP + WebSocket).
package main

import (
	"log"

	"github.com/astroconnect/consult-service/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
