package action

import (
	"crypto/ed25519"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/idhash"
	"github.com/cloudillo/cloudillo/storage/auth"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

// ActionClaims is the signed payload of an action token (spec §4.H.5):
// the structural fields plus the standard issuer/subject/expiry claims.
// Unlike auth.Claims (HMAC, server-local), this is signed with the
// issuing identity's Ed25519 profile key so any recipient can verify it
// without trusting the issuing server directly.
type ActionClaims struct {
	Type      string `json:"typ"`
	Subtype   string `json:"sub_typ,omitempty"`
	Audience  string `json:"aud_tag,omitempty"`
	Parent    string `json:"parent,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Content   string `json:"content,omitempty"`
	jwt.RegisteredClaims
}

// SignActionToken signs row's structural fields with tnID's current
// Ed25519 profile key, setting the key id in the token header so a
// verifier knows which public key to fetch (spec §4.H.5 step 4).
func SignActionToken(authAdapter *auth.Adapter, tnID tenant.TnId, row meta.ActionRow) (string, error) {
	kp, err := authAdapter.CurrentProfileKey(tnID)
	if err != nil {
		return "", err
	}
	claims := ActionClaims{
		Type:     row.Type,
		Subtype:  row.Subtype,
		Audience: row.Audience,
		Parent:   row.Parent,
		Subject:  row.Subject,
		Content:  row.Content,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  row.IssuerTag,
			Subject: row.TempID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kp.KeyID
	signed, err := token.SignedString(ed25519.PrivateKey(kp.PrivateKey))
	if err != nil {
		return "", clerr.Wrap(clerr.Internal, "sign action token", err)
	}
	return signed, nil
}

// KeyResolver looks up the Ed25519 public key an issuer used to sign an
// action token. The default resolver only handles locally-known
// issuers (same-server profile keys); a federation-aware resolver that
// fetches a remote issuer's public key over HTTP (with the bounded
// failure cache described in spec §4.H.5) is installed at app
// composition time via SetKeyResolver.
type KeyResolver interface {
	ResolveKey(tnID tenant.TnId, issuerTag, keyID string) (ed25519.PublicKey, error)
}

type localKeyResolver struct {
	auth *auth.Adapter
}

// ResolveKey only succeeds for an issuer that is this tenant's own
// identity (the common case in tests and single-tenant local actions);
// every other issuer requires a federation-aware resolver to be
// installed.
func (r localKeyResolver) ResolveKey(tnID tenant.TnId, issuerTag, keyID string) (ed25519.PublicKey, error) {
	kp, err := r.auth.CurrentProfileKey(tnID)
	if err != nil {
		return nil, err
	}
	if kp.KeyID != keyID {
		return nil, clerr.New(clerr.Unauthorized, "unknown signing key id")
	}
	return ed25519.PublicKey(kp.PublicKey), nil
}

// resolver is package-level so SignActionToken/VerifyActionToken stay
// free functions callable from ops_impl.go and lifecycle.go without
// threading a resolver through every HookContext.
var resolver KeyResolver

// SetKeyResolver installs the resolver used by VerifyActionToken.
// Called once during app composition; defaults to a same-tenant-only
// resolver if never called.
func SetKeyResolver(r KeyResolver) { resolver = r }

func currentResolver(authAdapter *auth.Adapter) KeyResolver {
	if resolver != nil {
		return resolver
	}
	return localKeyResolver{auth: authAdapter}
}

// VerifyActionToken parses and verifies an inbound action token's
// signature and expiry, returning its claims and the derived action_id
// (spec §4.H.5: action_id = hash of the verified token). Signature,
// expiry, and issuer-mismatch failures are all reported as the same
// Unauthorized kind, not distinguished to the caller (spec §7).
func VerifyActionToken(authAdapter *auth.Adapter, metaAdapter *meta.Adapter, tnID tenant.TnId, tokenString string) (ActionClaims, string, error) {
	var claims ActionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, clerr.New(clerr.Unauthorized, "unexpected signing method")
		}
		kid, _ := t.Header["kid"].(string)
		return currentResolver(authAdapter).ResolveKey(tnID, claims.Issuer, kid)
	})
	if err != nil || !token.Valid {
		return ActionClaims{}, "", clerr.New(clerr.Unauthorized, "invalid action token")
	}
	return claims, idhash.Hash("a1", []byte(tokenString)), nil
}
