package keys

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier supplies the key used to check a JWT signature
type Verifier interface {
	// GetVerificationKey returns the key for the token, rejecting unexpected signing methods
	GetVerificationKey(token *jwt.Token) (any, error)

	// GetSigningMethod returns the JWT signing method accepted
	GetSigningMethod() jwt.SigningMethod
}

// Signer is a Verifier that can also sign tokens
type Signer interface {
	Verifier

	// Sign creates a signed JWT token from claims
	Sign(claims jwt.Claims) (string, error)
}

// HMACSigner implements Signer using symmetric HMAC-SHA256
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a new HMAC signer with the given secret
func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{
		secret: []byte(secret),
	}
}

func (h *HMACSigner) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with HMAC: %w", err)
	}
	return signedToken, nil
}

func (h *HMACSigner) GetVerificationKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return h.secret, nil
}

func (h *HMACSigner) GetSigningMethod() jwt.SigningMethod {
	return jwt.SigningMethodHS256
}

// KeyPairSigner implements Signer using RSA (RS256) or ECDSA (ES256)
type KeyPairSigner struct {
	keyPair *KeyPair
}

// NewKeyPairSigner creates a new key pair signer with the given key pair
func NewKeyPairSigner(keyPair *KeyPair) *KeyPairSigner {
	return &KeyPairSigner{
		keyPair: keyPair,
	}
}

func (a *KeyPairSigner) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(a.keyPair.GetSigningMethod(), claims)
	token.Header["kid"] = a.keyPair.KeyID

	signedToken, err := token.SignedString(a.keyPair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with asymmetric key: %w", err)
	}
	return signedToken, nil
}

func (a *KeyPairSigner) GetVerificationKey(token *jwt.Token) (any, error) {
	if token.Method.Alg() != a.keyPair.GetSigningMethod().Alg() {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return a.keyPair.PublicKey, nil
}

func (a *KeyPairSigner) GetSigningMethod() jwt.SigningMethod {
	return a.keyPair.GetSigningMethod()
}

// NewVerifier builds the verifier for Identity API tokens. An RSA public key takes
// precedence over the shared HMAC secret.
func NewVerifier(hmacSecret, rsaPublicKeyPEM string) (Verifier, error) {
	if rsaPublicKeyPEM != "" {
		pub, err := LoadRSAPublicKeyFromPEM(rsaPublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity public key: %w", err)
		}
		return NewKeyPairSigner(&KeyPair{PublicKey: pub, Algorithm: RS256}), nil
	}
	if hmacSecret == "" {
		return nil, fmt.Errorf("no token verification key configured")
	}
	return NewHMACSigner(hmacSecret), nil
}
