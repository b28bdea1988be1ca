package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tink-crypto/tink-go-awskms/v3/integration/awskms"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const secretsManagerScheme = "aws-secretsmanager://"

// SecretsManagerAPI is the subset of the Secrets Manager client used to read
// keysets.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type awsOptions struct {
	secretsManager SecretsManagerAPI
	keyEncryption  tink.AEADWithContext
}

// AWSOption overrides how keysets are fetched from AWS.
type AWSOption func(*awsOptions)

// WithSecretsManagerClient supplies the client used to read the keyset secret.
func WithSecretsManagerClient(client SecretsManagerAPI) AWSOption {
	return func(o *awsOptions) {
		o.secretsManager = client
	}
}

// WithKeyEncryptionAEAD supplies the AEAD that decrypts the keyset, in place of
// the KMS key named by the envelope key URI.
func WithKeyEncryptionAEAD(kek tink.AEADWithContext) AWSOption {
	return func(o *awsOptions) {
		o.keyEncryption = kek
	}
}

// Validate performs a test encryption/decryption cycle to verify the AEAD is
// working. Call this at startup to fail fast if encryption is misconfigured.
func Validate(a tink.AEAD) error {
	testPlaintext := []byte("checkout-bridge-encryption-test")
	testAAD := []byte("validation")

	ciphertext, err := a.Encrypt(testPlaintext, testAAD)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, testAAD)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, decrypted) {
		return errors.New("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// NewAEAD creates and validates the AEAD primitive for a keyset handle.
func NewAEAD(handle *keyset.Handle) (tink.AEAD, error) {
	if handle == nil {
		return nil, errors.New("creating AEAD primitive: keyset handle is nil")
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(primitive); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return primitive, nil
}

// LoadKeysetFromAWS reads a keyset stored in AWS Secrets Manager, encrypted
// with an AWS KMS key. KMS is only used to decrypt the keyset: encryption of
// values happens locally.
//
// keysetURI format: aws-secretsmanager://secret-name
// kmsEnvelopeKeyURI format: aws-kms://arn:aws:kms:region:account:key/key-id
func LoadKeysetFromAWS(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string, opts ...AWSOption) (*keyset.Handle, error) {
	var o awsOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.keyEncryption == nil {
		kmsAEAD, err := awskms.NewAEADWithContext(kmsEnvelopeKeyURI)
		if err != nil {
			return nil, fmt.Errorf("creating KMS AEAD: %w", err)
		}
		o.keyEncryption = kmsAEAD
	}

	reader, err := readKeysetFromSecretsManager(ctx, o.secretsManager, keysetURI)
	if err != nil {
		return nil, fmt.Errorf("reading keyset: %w", err)
	}

	handle, err := keyset.ReadWithContext(ctx, reader, o.keyEncryption, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting keyset: %w", err)
	}

	return handle, nil
}

// NewAEADFromKMS creates a validated AEAD from a keyset held in AWS.
func NewAEADFromKMS(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string, opts ...AWSOption) (tink.AEAD, error) {
	handle, err := LoadKeysetFromAWS(ctx, keysetURI, kmsEnvelopeKeyURI, opts...)
	if err != nil {
		return nil, err
	}
	return NewAEAD(handle)
}

// LoadKeysetFromFile reads a cleartext JSON keyset, as written by tinkey.
// Cleartext keysets are intended for local development only.
func LoadKeysetFromFile(path string) (*keyset.Handle, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyset file: %w", err)
	}

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(bytes.NewReader(content)))
	if err != nil {
		return nil, fmt.Errorf("parsing keyset file %q: %w", path, err)
	}

	return handle, nil
}

// NewAEADFromFile creates a validated AEAD from a cleartext keyset file.
func NewAEADFromFile(path string) (tink.AEAD, error) {
	handle, err := LoadKeysetFromFile(path)
	if err != nil {
		return nil, err
	}
	return NewAEAD(handle)
}

func readKeysetFromSecretsManager(ctx context.Context, client SecretsManagerAPI, uri string) (*keyset.JSONReader, error) {
	secretName, ok := strings.CutPrefix(uri, secretsManagerScheme)
	if !ok {
		return nil, fmt.Errorf("invalid secrets manager URI %q: must start with %s", uri, secretsManagerScheme)
	}
	if secretName == "" {
		return nil, fmt.Errorf("invalid secrets manager URI %q: secret name is empty", uri)
	}

	if client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(cfg)
	}

	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretName,
	})
	if err != nil {
		return nil, fmt.Errorf("getting secret %q: %w", secretName, err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %q has no string value", secretName)
	}

	return keyset.NewJSONReader(strings.NewReader(*result.SecretString)), nil
}

// NewTestAEAD creates an AEAD with a freshly generated keyset. Keys are not
// persisted: only use in tests.
func NewTestAEAD() (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	return NewAEAD(handle)
}
