package main

import (
	"log"

	"help2earn/cmd/internal/passphrase"
	"help2earn/services/rewardd"
)

func main() {
	err := rewardd.Main(func(envVar string) (string, error) {
		return passphrase.NewSource(envVar, "rewardd signer").Get()
	})
	if err != nil {
		log.Fatalf("rewardd: %v", err)
	}
}
