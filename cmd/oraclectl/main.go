package main

import (
	"log"

	"github.com/austindbirch/harbor_oracle/cmd/oraclectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
