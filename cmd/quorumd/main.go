package main

import (
	"log"

	"github.com/FoCDoT-Tech/quorum/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
