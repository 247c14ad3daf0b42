// Package main generates the bcrypt hash for ACCESS_KEY_HASH from a plain
// access key passed as the single argument.
package main

import (
	"fmt"
	"os"

	"github.com/livepulse/tracker/pkg/utils"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: keygen <access-key>")
		os.Exit(2)
	}
	hash, err := utils.HashAccessKey(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
