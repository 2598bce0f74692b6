// Command keygen prints a fresh vault master key for ENCRYPTION_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/vault"
)

func main() {
	key, err := vault.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(key)
	fmt.Fprintln(os.Stderr, "Store this key securely. It cannot be recovered, and every credential")
	fmt.Fprintln(os.Stderr, "encrypted under it becomes permanently undecryptable if it is lost.")
}
