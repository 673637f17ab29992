package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/term"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

// PrivateKeySigner is the relayer signer URI reading the PRIVATE_KEY variable.
const PrivateKeySigner = "env://PRIVATE_KEY"

// Secrets are read from the environment only, never from flags or config files.
type Secrets struct {
	RPC            string `envconfig:"RPC"`
	PrivateKey     string `envconfig:"PRIVATE_KEY"`
	ProverURL      string `envconfig:"PROVER_URL"`
	AttestorURL    string `envconfig:"ATTESTOR_URL"`
	AttestorAPIKey string `envconfig:"ATTESTOR_API_KEY"`
}

func LoadSecrets() (*Secrets, error) {
	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return &s, nil
}

// Validate checks that everything a live network needs is set. The devnet needs nothing.
// PRIVATE_KEY is only required when the relayer signs with it.
func (s *Secrets) Validate(env common.Environment, signerURI string) error {
	if env == common.UnsafeDevNet || env == common.GoTest {
		return nil
	}
	required := map[string]string{
		"RPC":          s.RPC,
		"PROVER_URL":   s.ProverURL,
		"ATTESTOR_URL": s.AttestorURL,
	}
	if signerURI == PrivateKeySigner {
		required["PRIVATE_KEY"] = s.PrivateKey
	}
	var missing []error
	for _, name := range []string{"RPC", "PRIVATE_KEY", "PROVER_URL", "ATTESTOR_URL"} {
		if val, ok := required[name]; ok && val == "" {
			missing = append(missing, fmt.Errorf("%s is not set", name))
		}
	}
	return errors.Join(missing...)
}

// String keeps secrets out of logs and error messages.
func (s Secrets) String() string {
	return fmt.Sprintf("Secrets{RPC:%t PrivateKey:%t ProverURL:%q AttestorURL:%q AttestorAPIKey:%t}",
		s.RPC != "", s.PrivateKey != "", s.ProverURL, s.AttestorURL, s.AttestorAPIKey != "")
}

// ReadPassword prompts on stderr and reads a password from the terminal without echo.
func ReadPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal: run interactively to enter the password")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	return raw, nil
}
