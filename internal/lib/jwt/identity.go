package jwt

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims: утверждения токена внешнего провайдера личности.
// Subject: идентификатор личности у провайдера.
type IdentityClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// IdentityVerifier проверяет токены личности, подписанные провайдером общим секретом.
type IdentityVerifier struct {
	secretKey string
	issuer    string
}

// NewIdentityVerifier создаёт IdentityVerifier. Пустой issuer отключает проверку издателя.
func NewIdentityVerifier(secretKey, issuer string) *IdentityVerifier {
	return &IdentityVerifier{secretKey: secretKey, issuer: issuer}
}

// VerifyIdentity проверяет подпись, срок и издателя токена личности.
func (v *IdentityVerifier) VerifyIdentity(tokenStr string) (*IdentityClaims, error) {
	const op = "jwt.VerifyIdentity"

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &IdentityClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(v.secretKey), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	return claims, nil
}
