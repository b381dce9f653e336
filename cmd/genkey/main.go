package main

import (
	"fmt"
	"os"

	"github.com/eldtechnologies/deaddrop/internal/crypto"
)

func main() {
	secret, hash, err := crypto.GenerateAdminSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Admin secret:      %s\n", secret)
	fmt.Printf("ADMIN_SECRET_HASH=%s\n", hash)
}
