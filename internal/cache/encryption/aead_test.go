package encryption

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const testKMSKeyURI = "aws-kms://arn:aws:kms:us-east-1:123456789012:key/test-key-id"

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		aead     tink.AEAD
		errorMsg string
	}{
		{name: "encrypt failure", aead: &failingAEAD{encryptErr: errors.New("broken")}, errorMsg: "validation encrypt failed"},
		{name: "decrypt failure", aead: &failingAEAD{decryptErr: errors.New("broken")}, errorMsg: "validation decrypt failed"},
		{name: "mismatch", aead: mismatchAEAD{}, errorMsg: "validation round-trip failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.aead)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errorMsg)
		})
	}

	t.Run("working AEAD", func(t *testing.T) {
		a, err := NewTestAEAD()
		require.NoError(t, err)
		assert.NoError(t, Validate(a))
	})
}

func TestNewAEAD_NilHandle(t *testing.T) {
	_, err := NewAEAD(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating AEAD primitive")
}

func TestNewAEADFromFile(t *testing.T) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(&buf)))

	path := filepath.Join(t.TempDir(), "keyset.json")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	fromFile, err := NewAEADFromFile(path)
	require.NoError(t, err)

	// the file keyset decrypts what the original handle encrypted
	original, err := aead.New(handle)
	require.NoError(t, err)
	ct, err := original.Encrypt([]byte("token"), []byte("paypal_token"))
	require.NoError(t, err)

	pt, err := fromFile.Decrypt(ct, []byte("paypal_token"))
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), pt)
}

func TestNewAEADFromFile_Errors(t *testing.T) {
	_, err := NewAEADFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading keyset file")

	path := filepath.Join(t.TempDir(), "garbage.json")
	require.NoError(t, os.WriteFile(path, []byte("not a keyset"), 0o600))

	_, err = NewAEADFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing keyset file")
}

func TestLoadKeysetFromAWS(t *testing.T) {
	kek := newKeyEncryptionAEAD(t)
	secret := encryptedKeyset(t, kek)

	sm := &fakeSecretsManager{
		getSecretValueFn: func(_ context.Context, input *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			assert.Equal(t, "my-secret", *input.SecretId)
			return &secretsmanager.GetSecretValueOutput{SecretString: &secret}, nil
		},
	}

	primitive, err := NewAEADFromKMS(context.Background(),
		"aws-secretsmanager://my-secret",
		testKMSKeyURI,
		WithSecretsManagerClient(sm),
		WithKeyEncryptionAEAD(kek),
	)
	require.NoError(t, err)
	assert.NoError(t, Validate(primitive))
}

func TestLoadKeysetFromAWS_Errors(t *testing.T) {
	kek := newKeyEncryptionAEAD(t)
	garbage := "not valid json"

	cases := []struct {
		name     string
		uri      string
		sm       SecretsManagerAPI
		errorMsg string
	}{
		{
			name:     "invalid uri",
			uri:      "https://not-a-sm-uri",
			sm:       &fakeSecretsManager{},
			errorMsg: "must start with aws-secretsmanager://",
		},
		{
			name:     "empty secret name",
			uri:      "aws-secretsmanager://",
			sm:       &fakeSecretsManager{},
			errorMsg: "secret name is empty",
		},
		{
			name: "secrets manager failure",
			uri:  "aws-secretsmanager://my-secret",
			sm: &fakeSecretsManager{
				getSecretValueFn: func(context.Context, *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return nil, errors.New("access denied")
				},
			},
			errorMsg: "access denied",
		},
		{
			name: "binary secret",
			uri:  "aws-secretsmanager://my-secret",
			sm: &fakeSecretsManager{
				getSecretValueFn: func(context.Context, *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return &secretsmanager.GetSecretValueOutput{}, nil
				},
			},
			errorMsg: "has no string value",
		},
		{
			name: "invalid keyset",
			uri:  "aws-secretsmanager://my-secret",
			sm: &fakeSecretsManager{
				getSecretValueFn: func(context.Context, *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return &secretsmanager.GetSecretValueOutput{SecretString: &garbage}, nil
				},
			},
			errorMsg: "decrypting keyset",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadKeysetFromAWS(context.Background(), tc.uri, testKMSKeyURI,
				WithSecretsManagerClient(tc.sm),
				WithKeyEncryptionAEAD(kek),
			)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errorMsg)
		})
	}
}

// -- test helpers --

type fakeSecretsManager struct {
	getSecretValueFn func(context.Context, *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.getSecretValueFn(ctx, input)
}

// contextAEAD stands in for the KMS key that wraps a keyset.
type contextAEAD struct {
	tink.AEAD
}

func (c contextAEAD) EncryptWithContext(_ context.Context, plaintext, associatedData []byte) ([]byte, error) {
	return c.Encrypt(plaintext, associatedData)
}

func (c contextAEAD) DecryptWithContext(_ context.Context, ciphertext, associatedData []byte) ([]byte, error) {
	return c.Decrypt(ciphertext, associatedData)
}

func newKeyEncryptionAEAD(t *testing.T) contextAEAD {
	t.Helper()
	a, err := NewTestAEAD()
	require.NoError(t, err)
	return contextAEAD{a}
}

func encryptedKeyset(t *testing.T, kek contextAEAD) string {
	t.Helper()

	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	require.NoError(t, err)

	var buf bytes.Buffer
	err = handle.WriteWithContext(context.Background(), keyset.NewJSONWriter(&buf), kek, nil)
	require.NoError(t, err)

	return buf.String()
}

type failingAEAD struct {
	encryptErr error
	decryptErr error
}

func (f *failingAEAD) Encrypt(plaintext, _ []byte) ([]byte, error) {
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	return plaintext, nil
}

func (f *failingAEAD) Decrypt(ciphertext, _ []byte) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return ciphertext, nil
}

type mismatchAEAD struct{}

func (mismatchAEAD) Encrypt(plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}

func (mismatchAEAD) Decrypt([]byte, []byte) ([]byte, error) {
	return []byte("something else"), nil
}
