// Command hashpw prints the Argon2id hash of a password for the
// ADMIN_PASSWORD_HASH environment variable.
//
//	hashpw 'operator-secret'
package main

import (
	"fmt"
	"os"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/httpserver"
)

func main() {
	if len(os.Args) != 2 || os.Args[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: hashpw <password>")
		os.Exit(2)
	}
	hash, err := httpserver.HashPassword(os.Args[1], httpserver.DefaultArgon2Params())
	if err != nil {
		fmt.Fprintln(os.Stderr, "hashpw:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
