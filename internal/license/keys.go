package license

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	apierrors "localrag/internal/errors"
	"localrag/internal/security"
)

// MinKeyBits is the smallest RSA modulus accepted for signing keys.
const MinKeyBits = 2048

const (
	pemPrivateKey       = "RSA PRIVATE KEY"
	pemSealedPrivateKey = "ENCRYPTED RSA PRIVATE KEY"
	pemPublicKey        = "PUBLIC KEY"

	privateKeyMode fs.FileMode = 0o600
	publicKeyMode  fs.FileMode = 0o644
)

// KeyPair is an issuer's signing key and the verification key derived from it.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates a fresh in-memory key pair.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d is below %d bits", apierrors.ErrKeyGeneration, bits, MinKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrKeyGeneration, err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// KeyStore persists a key pair as two PEM files.
type KeyStore struct {
	privatePath string
	publicPath  string
	passphrase  []byte
	sealConfig  *security.EncryptionConfig
	logger      *slog.Logger

	loads singleflight.Group
}

// KeyStoreOption configures a KeyStore.
type KeyStoreOption func(*KeyStore)

// WithPassphrase seals the private key at rest. An empty passphrase stores it in clear.
func WithPassphrase(passphrase string) KeyStoreOption {
	return func(s *KeyStore) {
		if passphrase != "" {
			s.passphrase = []byte(passphrase)
		}
	}
}

// WithSealConfig overrides the scrypt cost used when sealing.
func WithSealConfig(cfg *security.EncryptionConfig) KeyStoreOption {
	return func(s *KeyStore) { s.sealConfig = cfg }
}

// WithKeyStoreLogger sets the logger.
func WithKeyStoreLogger(logger *slog.Logger) KeyStoreOption {
	return func(s *KeyStore) { s.logger = logger }
}

// NewKeyStore returns a store for the given key file paths.
func NewKeyStore(privatePath, publicPath string, opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		privatePath: privatePath,
		publicPath:  publicPath,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "key_store"))
	return s
}

// PrivateKeyPath returns the private key file location.
func (s *KeyStore) PrivateKeyPath() string { return s.privatePath }

// PublicKeyPath returns the public key file location.
func (s *KeyStore) PublicKeyPath() string { return s.publicPath }

// Exists reports whether a private key file is present.
func (s *KeyStore) Exists() bool {
	_, err := os.Stat(s.privatePath)
	return err == nil
}

// Generate creates a key pair and writes it to disk, private key first.
// An existing private key is kept unless overwrite is set, since replacing it
// invalidates every token already issued.
func (s *KeyStore) Generate(ctx context.Context, bits int, overwrite bool) (*KeyPair, error) {
	if !overwrite && s.Exists() {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrKeyExists, s.privatePath)
	}

	kp, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, err
	}

	privPEM, err := s.encodePrivate(kp.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrKeyGeneration, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrKeyGeneration, err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: pubDER})

	if err := writeKeyFile(s.privatePath, privPEM, privateKeyMode, overwrite); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", apierrors.ErrKeyExists, s.privatePath)
		}
		return nil, fmt.Errorf("%w: write private key: %v", apierrors.ErrKeyGeneration, err)
	}
	if err := writeKeyFile(s.publicPath, pubPEM, publicKeyMode, true); err != nil {
		return nil, fmt.Errorf("%w: write public key: %v", apierrors.ErrKeyGeneration, err)
	}

	s.logger.InfoContext(ctx, "key pair generated",
		slog.Int("bits", bits),
		slog.Bool("sealed", s.passphrase != nil),
		slog.String("private_key_path", s.privatePath),
		slog.String("public_key_path", s.publicPath))

	return kp, nil
}

func (s *KeyStore) encodePrivate(key *rsa.PrivateKey) ([]byte, error) {
	der := x509.MarshalPKCS1PrivateKey(key)
	if s.passphrase == nil {
		return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der}), nil
	}
	defer security.Wipe(der)

	sealed, err := security.SealBytes(der, s.passphrase, s.sealConfig)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemSealedPrivateKey, Bytes: sealed}), nil
}

// writeKeyFile creates path with mode. Without overwrite an existing file
// fails with fs.ErrExist.
func writeKeyFile(path string, data []byte, mode fs.FileMode, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile leaves the mode of a truncated file alone.
	return os.Chmod(path, mode)
}

// LoadPrivateKey reads the signing key. A missing file is ErrPrivateKeyMissing.
func (s *KeyStore) LoadPrivateKey(ctx context.Context) (*rsa.PrivateKey, error) {
	v, err, _ := s.loads.Do("private", func() (any, error) {
		return s.readPrivate()
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PrivateKey), nil
}

func (s *KeyStore) readPrivate() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(s.privatePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrPrivateKeyMissing, s.privatePath)
	}
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not PEM encoded", apierrors.ErrPrivateKeyMissing, s.privatePath)
	}

	der := block.Bytes
	switch block.Type {
	case pemPrivateKey:
	case pemSealedPrivateKey:
		if s.passphrase == nil {
			return nil, fmt.Errorf("%w: private key is sealed and no passphrase is configured", apierrors.ErrPrivateKeyMissing)
		}
		der, err = security.OpenBytes(block.Bytes, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apierrors.ErrPrivateKeyMissing, err)
		}
		defer security.Wipe(der)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", apierrors.ErrPrivateKeyMissing, block.Type)
	}

	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrPrivateKeyMissing, err)
	}
	return key, nil
}

// LoadPublicKey reads the verification key. A missing or unreadable file is ErrKeyMissing.
func (s *KeyStore) LoadPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	v, err, _ := s.loads.Do("public", func() (any, error) {
		return readPublicKey(s.publicPath)
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

func readPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrKeyMissing, err)
	}
	return ParsePublicKeyPEM(data)
}

// ParsePublicKeyPEM decodes a PKIX public key, as shipped alongside the host.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPublicKey {
		return nil, fmt.Errorf("%w: not a PEM public key", apierrors.ErrKeyMissing)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrKeyMissing, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", apierrors.ErrKeyMissing)
	}
	return pub, nil
}

// LoadKeyPair reads both keys.
func (s *KeyStore) LoadKeyPair(ctx context.Context) (*KeyPair, error) {
	priv, err := s.LoadPrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := s.LoadPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}
