package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// TokenKind discriminates access from refresh tokens in the "typ" claim so a
// refresh token can never be replayed as an access token or vice versa.
type TokenKind string

const (
	// KindAccess is a short-lived bearer credential for individual calls.
	KindAccess TokenKind = "access"
	// KindRefresh is a longer-lived credential used only for rotation.
	KindRefresh TokenKind = "refresh"
)

// Claims is the identity envelope carried inside every Ember token and
// propagated across HTTP/WS after validation.
type Claims struct {
	TokenID   string
	UserID    string
	SessionID string
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// TokenManager mints and verifies signed tokens of both kinds.
type TokenManager interface {
	Issue(kind TokenKind, userID, sessionID, tokenID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (Claims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clockSkew  time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds a TokenManager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer, type, and
// expiration rules. Expiry is checked manually so the caller can distinguish
// an expired token (recoverable by rotation) from a malformed one.
func NewPasetoV4PublicManager(cfg Config) (TokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	return &pasetoV4PublicManager{
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		clockSkew:  cfg.ClockSkew,
		secret:     secret,
		public:     secret.Public(),
	}, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(kind TokenKind, userID, sessionID, tokenID string, now time.Time) (string, time.Time, error) {
	ttl := m.accessTTL
	if kind == KindRefresh {
		ttl = m.refreshTTL
	}
	exp := now.Add(ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetJti(tokenID)
	tok.SetSubject(userID)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("sid", sessionID)
	_ = tok.Set("typ", string(kind))

	signed := tok.V4Sign(m.secret, nil)
	return signed, exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (Claims, error) {
	// Expiry is checked after parsing so the error taxonomy stays sharp:
	// a valid signature past exp is ErrExpired, everything else ErrMalformed.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	iss, _ := parsed.GetIssuer()
	exp, err := parsed.GetExpiration()
	if err != nil {
		return Claims{}, ErrMalformed
	}
	iat, err := parsed.GetIssuedAt()
	if err != nil {
		return Claims{}, ErrMalformed
	}

	jti, err := parsed.GetJti()
	if err != nil || jti == "" {
		return Claims{}, ErrMalformed
	}
	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, ErrMalformed
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return Claims{}, ErrMalformed
	}
	typ, err := parsed.GetString("typ")
	if err != nil || (typ != string(KindAccess) && typ != string(KindRefresh)) {
		return Claims{}, ErrMalformed
	}

	if nbf, err := parsed.GetNotBefore(); err == nil && now.Add(m.clockSkew).Before(nbf) {
		return Claims{}, ErrMalformed
	}
	if !exp.Add(m.clockSkew).After(now) {
		return Claims{}, ErrExpired
	}

	return Claims{
		TokenID:   jti,
		UserID:    sub,
		SessionID: sid,
		Kind:      TokenKind(typ),
		IssuedAt:  iat,
		ExpiresAt: exp,
		Issuer:    iss,
	}, nil
}
