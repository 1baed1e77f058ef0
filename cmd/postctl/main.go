package main

import (
	"log"

	"github.com/postroomhq/postroom/cmd/postctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
