// altscore-keygen creates and inspects Ed25519 token signing keys.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/mbd888/altscore/internal/tokens"
)

var (
	version = "dev"

	keyringServiceFlag = &cli.StringFlag{
		Name:    "keyring-service",
		Usage:   "Store the private key in the OS keyring under this service instead of printing it",
		Sources: cli.EnvVars("TOKEN_KEYRING_SERVICE"),
	}

	keyringUserFlag = &cli.StringFlag{
		Name:    "keyring-user",
		Usage:   "Keyring account name for the private key",
		Value:   "signing-key",
		Sources: cli.EnvVars("TOKEN_KEYRING_USER"),
	}

	privateKeyFlag = &cli.StringFlag{
		Name:     "private-key",
		Usage:    "Base64 private key or seed",
		Sources:  cli.EnvVars("TOKEN_SIGNING_KEY"),
		Required: true,
	}
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "altscore-keygen",
		Usage:   "Manage Ed25519 keys for the altscore token broker",
		Version: version,
		Writer:  out,
		Commands: []*cli.Command{
			{
				Name:   "generate",
				Usage:  "Generate a new signing key pair",
				Flags:  []cli.Flag{keyringServiceFlag, keyringUserFlag},
				Action: generate,
			},
			{
				Name:   "public",
				Usage:  "Print the verification key for a private key",
				Flags:  []cli.Flag{privateKeyFlag},
				Action: public,
			},
		},
	}
}

func generate(_ context.Context, cmd *cli.Command) error {
	pub, priv, err := tokens.GenerateKey()
	if err != nil {
		return err
	}
	out := cmd.Root().Writer

	if service := cmd.String(keyringServiceFlag.Name); service != "" {
		user := cmd.String(keyringUserFlag.Name)
		if err := tokens.StoreInKeyring(service, user, priv); err != nil {
			return err
		}
		fmt.Fprintf(out, "Private key stored in keyring (service=%s, user=%s)\n", service, user)
		fmt.Fprintf(out, "TOKEN_KEYRING_SERVICE=%s\n", service)
		fmt.Fprintf(out, "TOKEN_KEYRING_USER=%s\n", user)
	} else {
		fmt.Fprintf(out, "TOKEN_SIGNING_KEY=%s\n", tokens.EncodePrivateKey(priv))
	}
	fmt.Fprintf(out, "TOKEN_VERIFY_KEY=%s\n", tokens.EncodePublicKey(pub))
	return nil
}

func public(_ context.Context, cmd *cli.Command) error {
	priv, err := tokens.DecodePrivateKey(cmd.String(privateKeyFlag.Name))
	if err != nil {
		return err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("unexpected public key type")
	}
	fmt.Fprintf(cmd.Root().Writer, "TOKEN_VERIFY_KEY=%s\n", tokens.EncodePublicKey(pub))
	return nil
}
