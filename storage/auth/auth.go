// Package auth implements the AuthAdapter from spec §4.E: tenants,
// bcrypt passwords, a once-generated persisted JWT secret, access/
// action/proxy token issuance and verification, Ed25519 profile keys,
// VAPID keys, WebAuthn credentials, API keys, and per-tenant TLS
// certificates. Password hashing follows the teacher's security/bcrypt
// and auth/password conventions; HMAC token issuance follows its
// auth/token TokenService built on golang-jwt/jwt/v5.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/storage/bolt"
	"github.com/cloudillo/cloudillo/tenant"
)

const bcryptCost = bcrypt.DefaultCost

const (
	bucketTenantSecret = "tenant_jwt_secret"
	bucketPasswords    = "passwords"
	bucketProfileKeys  = "auth_profile_keys"
	bucketVapidKeys    = "vapid_keys"
	bucketWebauthn     = "webauthn_credentials"
	bucketAPIKeys      = "api_keys"
	bucketTLSCerts     = "tls_certs"
)

var allBuckets = []string{
	bucketTenantSecret, bucketPasswords, bucketProfileKeys,
	bucketVapidKeys, bucketWebauthn, bucketAPIKeys, bucketTLSCerts,
}

// Adapter is the bbolt-backed AuthAdapter.
type Adapter struct {
	db *bolt.DB
}

func Open(path string) (*Adapter, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, err
	}
	for _, b := range allBuckets {
		if err := db.CreateBucket(b); err != nil {
			return nil, clerr.Wrap(clerr.DbError, "create bucket "+b, err)
		}
	}
	return &Adapter{db: db}, nil
}

func key(tnID tenant.TnId, rest string) string {
	return fmt.Sprintf("%d:%s", tnID, rest)
}

// dummyHash is compared against on a lookup miss so that password
// verification always walks the same bcrypt code path, whether or not
// the user exists — deterring timing probes for account enumeration
// (spec §4.E).
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("no-such-account"), bcryptCost)

// --- Passwords --------------------------------------------------------

func (a *Adapter) SetPassword(tnID tenant.TnId, idTag, password string) error {
	if password == "" {
		return clerr.New(clerr.ValidationError, "password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return clerr.Wrap(clerr.Internal, "hash password", err)
	}
	return a.db.PutJSON(bucketPasswords, key(tnID, idTag), string(hash))
}

// CheckPassword always runs bcrypt.CompareHashAndPassword, even when no
// account exists, to keep timing uniform.
func (a *Adapter) CheckPassword(tnID tenant.TnId, idTag, password string) error {
	var hash string
	found, err := a.db.GetJSON(bucketPasswords, key(tnID, idTag), &hash)
	if err != nil {
		return err
	}
	if !found {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return clerr.New(clerr.Unauthorized, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return clerr.New(clerr.Unauthorized, "invalid credentials")
	}
	return nil
}

// --- JWT secret (generated once per tenant, then persisted) ------------

func (a *Adapter) tenantSecret(tnID tenant.TnId) ([]byte, error) {
	var encoded string
	found, err := a.db.GetJSON(bucketTenantSecret, fmt.Sprintf("%d", tnID), &encoded)
	if err != nil {
		return nil, err
	}
	if found {
		return base64.StdEncoding.DecodeString(encoded)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, clerr.Wrap(clerr.Internal, "generate jwt secret", err)
	}
	encoded = base64.StdEncoding.EncodeToString(secret)
	if err := a.db.PutJSON(bucketTenantSecret, fmt.Sprintf("%d", tnID), encoded); err != nil {
		return nil, err
	}
	return secret, nil
}

// TokenKind distinguishes the three HMAC token shapes the adapter
// issues (spec §4.E): a session-bound access token, a one-shot action
// token used for idempotent mutating calls, and a proxy token minted
// for a federation partner acting on this tenant's behalf.
type TokenKind string

const (
	TokenAccess TokenKind = "access"
	TokenAction TokenKind = "action"
	TokenProxy  TokenKind = "proxy"
)

// Claims extends jwt.RegisteredClaims with the fields every token kind
// shares.
type Claims struct {
	TnId  tenant.TnId `json:"tn_id"`
	IdTag string      `json:"id_tag"`
	Kind  TokenKind   `json:"kind"`
	jwt.RegisteredClaims
}

// IssueToken signs an HMAC token of the given kind for (tnID, idTag).
func (a *Adapter) IssueToken(tnID tenant.TnId, idTag string, kind TokenKind, ttl time.Duration) (string, error) {
	secret, err := a.tenantSecret(tnID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		TnId:  tnID,
		IdTag: idTag,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   idTag,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", clerr.Wrap(clerr.Internal, "sign token", err)
	}
	return signed, nil
}

// VerifyToken checks signature, expiry, and kind, returning Unauthorized
// without distinguishing which check failed (spec §7).
func (a *Adapter) VerifyToken(tnID tenant.TnId, tokenString string, wantKind TokenKind) (Claims, error) {
	secret, err := a.tenantSecret(tnID)
	if err != nil {
		return Claims{}, err
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, clerr.New(clerr.Unauthorized, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Kind != wantKind || claims.TnId != tnID {
		return Claims{}, clerr.New(clerr.Unauthorized, "invalid token")
	}
	return *claims, nil
}

// --- Profile keys (Ed25519) ---------------------------------------------

// ProfileKeyPair is a tenant identity's signing key, generated once and
// reused to sign outgoing action tokens (spec §4.H).
type ProfileKeyPair struct {
	KeyID      string
	PublicKey  []byte
	PrivateKey []byte // never leaves the adapter boundary in API responses
}

func (a *Adapter) GenerateProfileKey(tnID tenant.TnId) (ProfileKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ProfileKeyPair{}, clerr.Wrap(clerr.Internal, "generate ed25519 key", err)
	}
	sum := sha256.Sum256(pub)
	keyID := hex.EncodeToString(sum[:8])
	kp := ProfileKeyPair{KeyID: keyID, PublicKey: pub, PrivateKey: priv}
	if err := a.db.PutJSON(bucketProfileKeys, key(tnID, keyID), kp); err != nil {
		return ProfileKeyPair{}, err
	}
	if err := a.db.PutJSON(bucketProfileKeys, key(tnID, "current"), keyID); err != nil {
		return ProfileKeyPair{}, err
	}
	return kp, nil
}

func (a *Adapter) CurrentProfileKey(tnID tenant.TnId) (ProfileKeyPair, error) {
	var keyID string
	found, err := a.db.GetJSON(bucketProfileKeys, key(tnID, "current"), &keyID)
	if err != nil {
		return ProfileKeyPair{}, err
	}
	if !found {
		return a.GenerateProfileKey(tnID)
	}
	var kp ProfileKeyPair
	found, err = a.db.GetJSON(bucketProfileKeys, key(tnID, keyID), &kp)
	if err != nil {
		return ProfileKeyPair{}, err
	}
	if !found {
		return ProfileKeyPair{}, clerr.New(clerr.Internal, "current profile key missing")
	}
	return kp, nil
}

// --- VAPID keys (web push) ------------------------------------------------

type VapidKeyPair struct {
	PublicKey  string
	PrivateKey string
}

func (a *Adapter) GetOrCreateVapidKeys(tnID tenant.TnId) (VapidKeyPair, error) {
	var kp VapidKeyPair
	found, err := a.db.GetJSON(bucketVapidKeys, fmt.Sprintf("%d", tnID), &kp)
	if err != nil {
		return VapidKeyPair{}, err
	}
	if found {
		return kp, nil
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return VapidKeyPair{}, clerr.Wrap(clerr.Internal, "generate vapid key", err)
	}
	kp = VapidKeyPair{
		PublicKey:  base64.RawURLEncoding.EncodeToString(pub),
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv),
	}
	if err := a.db.PutJSON(bucketVapidKeys, fmt.Sprintf("%d", tnID), kp); err != nil {
		return VapidKeyPair{}, err
	}
	return kp, nil
}

// --- WebAuthn credentials -------------------------------------------------

type WebauthnCredential struct {
	CredentialID string
	PublicKey    []byte
	SignCount    uint32
}

func (a *Adapter) PutWebauthnCredential(tnID tenant.TnId, idTag string, cred WebauthnCredential) error {
	return a.db.PutJSON(bucketWebauthn, key(tnID, idTag+":"+cred.CredentialID), cred)
}

func (a *Adapter) GetWebauthnCredential(tnID tenant.TnId, idTag, credentialID string) (WebauthnCredential, error) {
	var cred WebauthnCredential
	found, err := a.db.GetJSON(bucketWebauthn, key(tnID, idTag+":"+credentialID), &cred)
	if err != nil {
		return WebauthnCredential{}, err
	}
	if !found {
		return WebauthnCredential{}, clerr.New(clerr.NotFound, "credential not found")
	}
	return cred, nil
}

// --- API keys (prefix + salted hash) --------------------------------------

// APIKeyRecord is validated by comparing the caller-supplied secret's
// hash against Hash using the same prefix lookup, never a full-table
// scan: Prefix is the lookup key, Hash is salted bcrypt over the full
// secret.
type APIKeyRecord struct {
	Prefix string
	Hash   string
	IdTag  string
	Scopes []string
}

// IssueAPIKey returns the full secret (shown to the caller exactly
// once) and persists only its prefix+hash.
func (a *Adapter) IssueAPIKey(tnID tenant.TnId, idTag string, scopes []string) (secret string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", clerr.Wrap(clerr.Internal, "generate api key", err)
	}
	full := base64.RawURLEncoding.EncodeToString(raw)
	prefix := full[:8]
	hash, err := bcrypt.GenerateFromPassword([]byte(full), bcryptCost)
	if err != nil {
		return "", clerr.Wrap(clerr.Internal, "hash api key", err)
	}
	rec := APIKeyRecord{Prefix: prefix, Hash: string(hash), IdTag: idTag, Scopes: scopes}
	if err := a.db.PutJSON(bucketAPIKeys, key(tnID, prefix), rec); err != nil {
		return "", err
	}
	return full, nil
}

func (a *Adapter) VerifyAPIKey(tnID tenant.TnId, secret string) (APIKeyRecord, error) {
	if len(secret) < 8 {
		return APIKeyRecord{}, clerr.New(clerr.Unauthorized, "invalid api key")
	}
	prefix := secret[:8]
	var rec APIKeyRecord
	found, err := a.db.GetJSON(bucketAPIKeys, key(tnID, prefix), &rec)
	if err != nil {
		return APIKeyRecord{}, err
	}
	if !found {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return APIKeyRecord{}, clerr.New(clerr.Unauthorized, "invalid api key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(secret)); err != nil {
		return APIKeyRecord{}, clerr.New(clerr.Unauthorized, "invalid api key")
	}
	return rec, nil
}

// --- TLS certificates (per tenant, per proxy site) ------------------------

type TLSCert struct {
	CertPEM string
	KeyPEM  string
	Expires time.Time
}

func (a *Adapter) PutTLSCert(tnID tenant.TnId, site string, cert TLSCert) error {
	return a.db.PutJSON(bucketTLSCerts, key(tnID, site), cert)
}

func (a *Adapter) GetTLSCert(tnID tenant.TnId, site string) (TLSCert, error) {
	var cert TLSCert
	found, err := a.db.GetJSON(bucketTLSCerts, key(tnID, site), &cert)
	if err != nil {
		return TLSCert{}, err
	}
	if !found {
		return TLSCert{}, clerr.New(clerr.NotFound, "no certificate for site")
	}
	return cert, nil
}
