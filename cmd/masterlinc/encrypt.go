package main

import (
	"fmt"
	"io"
	"os"

	"masterlinc/internal/infra/config"
)

// runEncrypt prints the enc: form of a secret so it can be pasted into
// config.yaml (gateway tokens, the Redis URL).
func runEncrypt(args []string, out io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: masterlinc encrypt <value>")
	}
	passphrase := os.Getenv("MASTERLINC_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("MASTERLINC_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "enc:"+enc)
	return err
}
