package main

import (
	"log"

	"github.com/the80srobot/rekall/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
