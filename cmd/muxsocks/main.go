package main

import (
	"log"

	"github.com/muxsocks/muxsocks/muxsocks"
)

func main() {
	cli := muxsocks.NewCLI()

	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
