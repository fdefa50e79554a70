package identity

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/stanstork/admin-inbox/internal/models"
)

var (
	ErrCredentialExpired = errors.New("credential expired")
	ErrMissingSubject    = errors.New("credential has no subject claim")
)

// subjectClaims lists the claims that may carry the user id, in priority order.
var subjectClaims = []string{"sub", "id", "user_id"}

// Decoder turns a signed token into an Identity. Without a secret the token is
// decoded but not verified, which is what a client holding someone else's
// signing key can do at best.
type Decoder struct {
	secret []byte
	now    func() time.Time
}

func NewDecoder(secret string) *Decoder {
	d := &Decoder{now: time.Now}
	if s := strings.TrimSpace(secret); s != "" {
		d.secret = []byte(s)
	}
	return d
}

func (d *Decoder) Decode(token string) (models.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return models.Identity{}, errors.New("credential is empty")
	}

	claims := jwt.MapClaims{}
	if len(d.secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return models.Identity{}, errors.Wrap(err, "decode credential")
		}
	} else {
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return d.secret, nil
		})
		if err != nil {
			return models.Identity{}, errors.Wrap(err, "verify credential")
		}
		if !parsed.Valid {
			return models.Identity{}, errors.New("credential is not valid")
		}
	}

	if !claims.VerifyExpiresAt(d.now().Unix(), false) {
		return models.Identity{}, ErrCredentialExpired
	}

	id := models.Identity{
		SubjectID: firstClaim(claims, subjectClaims...),
		Role:      roleFromClaims(claims),
		TenantID:  firstClaim(claims, "tid"),
		Source:    models.IdentitySourceCredential,
		Token:     token,
	}
	if id.SubjectID == "" {
		return models.Identity{}, ErrMissingSubject
	}
	if exp, ok := claims["exp"].(float64); ok {
		t := time.Unix(int64(exp), 0).UTC()
		id.ExpiresAt = &t
	}
	return id, nil
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if v := stringValue(claims[key]); v != "" {
			return v
		}
	}
	return ""
}

func roleFromClaims(claims jwt.MapClaims) string {
	if role := stringValue(claims["role"]); role != "" {
		return role
	}
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, r := range v {
			if s := stringValue(r); s != "" {
				return s
			}
		}
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}

// stringValue renders JSON scalars used as ids. Numeric ids arrive as float64.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}
