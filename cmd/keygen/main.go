// Command keygen prints a fresh encryption master key. Run once at
// deployment time and store the output as ENCRYPTION_MASTER_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/hummingcloud/controlplane/internal/vault"
)

func main() {
	key, err := vault.GenerateMasterKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
	fmt.Println(key)
}
