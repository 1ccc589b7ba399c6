// Package clusterauth gates cluster membership behind a shared join
// secret, generalizing master/internal/http/auth_handler.go's end-user
// login (bcrypt-hashed credential in, signed JWT out) from authenticating
// a human to authenticating a node that wants to Attach. A node presents
// the cluster's join secret once to obtain a token; every subsequent
// Attach, including the heartbeat re-Attach, carries that token instead
// of the secret itself (Detach carries no token), the same bearer-token pattern auth_handler.go's cookie plays
// for a browser session.
package clusterauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
)

// Claims is the token payload: which node it was issued to, generalized
// from auth_handler.go's Claims{Email, Name}.
type Claims struct {
	NodeId string `json:"node_id"`
	jwt.RegisteredClaims
}

// Issuer hands out and verifies join tokens for one cluster. Stateless
// beyond its configured secret/key, so any master node can verify a
// token issued by any other.
type Issuer struct {
	secretHash []byte
	signingKey []byte
	ttl        time.Duration
}

// HashSecret bcrypt-hashes a plaintext join secret for storage in
// configuration, mirroring db/users.go's CreateUser password hashing.
func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// NewIssuer builds an Issuer from a bcrypt secret hash and an HMAC
// signing key. ttl defaults to 24h, matching auth_handler.go's session
// token lifetime.
func NewIssuer(secretHash, signingKey []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secretHash: secretHash, signingKey: signingKey, ttl: ttl}
}

// IssueToken verifies presentedSecret against the configured hash and, on
// success, signs a token scoped to nodeId.
func (i *Issuer) IssueToken(nodeId, presentedSecret string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(i.secretHash, []byte(presentedSecret)); err != nil {
		return "", &mbraceerr.ActivationError{Err: fmt.Errorf("clusterauth: join secret rejected for node %s", nodeId)}
	}

	claims := Claims{
		NodeId: nodeId,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", &mbraceerr.ActivationError{Err: fmt.Errorf("clusterauth: failed to sign token: %w", err)}
	}
	return signed, nil
}

// VerifyToken parses tokenString and returns the node id it was issued
// to, failing closed on expiry, a bad signature, or an algorithm
// mismatch (the classic "alg: none" bypass auth_handler.go's
// jwt.ParseWithClaims call guards against implicitly by checking
// SigningMethodHS256).
func (i *Issuer) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("clusterauth: unexpected signing method %v", t.Header["alg"])
		}
		return i.signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", &mbraceerr.ActivationError{Err: fmt.Errorf("clusterauth: invalid join token: %w", err)}
	}
	return claims.NodeId, nil
}
