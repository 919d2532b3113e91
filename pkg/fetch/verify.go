package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // maintained fork of x/crypto/openpgp

	"github.com/openfroyo/archstate/pkg/engine"
)

// VerifySignature checks the file at path against the detached OpenPGP
// signature at sigSource, using the configured keyring. Armored and binary
// signatures are both accepted.
func (f *Fetcher) VerifySignature(ctx context.Context, path, sigSource string) error {
	if f.cfg.Keyring == "" {
		return engine.NewInvocationError("Signature verification requires signing.keyring")
	}

	keyring, err := LoadKeyring(f.cfg.Keyring)
	if err != nil {
		return err
	}

	rc, err := f.Open(ctx, sigSource)
	if err != nil {
		return fmt.Errorf("failed to fetch signature %s: %w", sigSource, err)
	}
	sig, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("failed to read signature %s: %w", sigSource, err)
	}

	signed, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer signed.Close()

	return CheckDetachedSignature(keyring, signed, sig)
}

// CheckDetachedSignature verifies sig over signed, trying the armored form
// first.
func CheckDetachedSignature(keyring openpgp.EntityList, signed io.ReadSeeker, sig []byte) error {
	_, err := openpgp.CheckArmoredDetachedSignature(keyring, signed, bytes.NewReader(sig), nil)
	if err != nil {
		if _, serr := signed.Seek(0, io.SeekStart); serr != nil {
			return serr
		}
		_, err = openpgp.CheckDetachedSignature(keyring, signed, bytes.NewReader(sig), nil)
	}
	if err != nil {
		return engine.NewPermanentError("signature verification failed", err).WithCode(engine.ErrCodeChecksumMismatch)
	}
	return nil
}

// LoadKeyring reads an armored or binary keyring.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring %s: %w", path, err)
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to read keyring %s: %w", path, err)
		}
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring %s is empty", path)
	}
	return keyring, nil
}
