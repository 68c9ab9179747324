package venue

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Credentials hold the Advanced Trade API key name and its EC private key PEM.
type Credentials struct {
	KeyName       string
	PrivateKeyPEM string
}

// LoadCredentials resolves credentials from the environment, reading a local
// .env file first on a best-effort basis. Absence is fatal to startup, so an
// error is returned rather than empty credentials.
func LoadCredentials(keyNameEnv, privateKeyEnv string) (Credentials, error) {
	_ = godotenv.Load()

	creds := Credentials{
		KeyName:       strings.TrimSpace(os.Getenv(keyNameEnv)),
		PrivateKeyPEM: normalizeMultiline(os.Getenv(privateKeyEnv)),
	}
	if creds.KeyName == "" || creds.PrivateKeyPEM == "" {
		return Credentials{}, fmt.Errorf("missing credentials: set %s and %s", keyNameEnv, privateKeyEnv)
	}
	return creds, nil
}

// normalizeMultiline turns escaped "\n" sequences from .env values back into
// real newlines so PEM decoding works.
func normalizeMultiline(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), `\n`, "\n")
}

func (c Credentials) sign(req *http.Request) error {
	token, err := mintJWT(c.KeyName, c.PrivateKeyPEM, req.Method, req.URL.Host, req.URL.Path, 2*time.Minute)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// mintJWT creates a short-lived ES256 request token per the Advanced Trade auth
// scheme: the uri claim binds the token to one method and path.
func mintJWT(keyName, privatePEM, method, host, path string, ttl time.Duration) (string, error) {
	priv, err := parseECPrivateKey(privatePEM)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": "cdp",
		"sub": keyName,
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.New().String(),
		"uri": fmt.Sprintf("%s %s%s", method, host, path),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = keyName
	token.Header["nonce"] = randomNonce()
	return token.SignedString(priv)
}

func parseECPrivateKey(privatePEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("invalid private key (no PEM block)")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an EC private key")
		}
		return ec, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

func randomNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
