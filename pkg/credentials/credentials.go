package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/provisioner/pkg/types"
	"github.com/google/uuid"
)

// MaxValidity is the longest lifetime a temporary credential may have
const MaxValidity = 31 * 24 * time.Hour

// Issuer mints scoped, time-limited credentials
type Issuer interface {
	Issue(ctx context.Context, scopes []string, validFor time.Duration) (*types.Credentials, error)
}

// Certificate is embedded in temporary credentials and signed with the
// issuing client's access token
type Certificate struct {
	Version   int      `json:"version"`
	Scopes    []string `json:"scopes"`
	Start     int64    `json:"start"`  // Unix milliseconds
	Expiry    int64    `json:"expiry"` // Unix milliseconds
	Seed      string   `json:"seed"`
	Signature string   `json:"signature"`
}

// StartTime returns the beginning of the validity window
func (c *Certificate) StartTime() time.Time {
	return time.UnixMilli(c.Start)
}

// ExpiryTime returns the end of the validity window
func (c *Certificate) ExpiryTime() time.Time {
	return time.UnixMilli(c.Expiry)
}

// TemporaryIssuer signs certificates with a permanent client's access
// token. The temporary access token is derived from a random seed so the
// permanent one never leaves the service.
type TemporaryIssuer struct {
	clientID    string
	accessToken string
	now         func() time.Time
}

// NewTemporaryIssuer creates an issuer acting on behalf of clientID
func NewTemporaryIssuer(clientID, accessToken string) (*TemporaryIssuer, error) {
	if clientID == "" || accessToken == "" {
		return nil, errors.New("clientId and accessToken are required to issue credentials")
	}
	return &TemporaryIssuer{
		clientID:    clientID,
		accessToken: accessToken,
		now:         time.Now,
	}, nil
}

// Issue returns credentials granting exactly scopes from now until
// now+validFor
func (i *TemporaryIssuer) Issue(ctx context.Context, scopes []string, validFor time.Duration) (*types.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if validFor <= 0 || validFor > MaxValidity {
		return nil, fmt.Errorf("credential validity %s outside (0, %s]", validFor, MaxValidity)
	}

	now := i.now()
	cert := &Certificate{
		Version: 1,
		Scopes:  append([]string{}, scopes...),
		Start:   now.UnixMilli(),
		Expiry:  now.Add(validFor).UnixMilli(),
		Seed:    newSeed(),
	}
	cert.Signature = sign(i.accessToken, cert)

	encoded, err := json.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to encode certificate: %w", err)
	}

	return &types.Credentials{
		ClientID:    i.clientID,
		AccessToken: temporaryAccessToken(i.accessToken, cert.Seed),
		Certificate: string(encoded),
	}, nil
}

// ParseCertificate decodes the certificate carried by creds
func ParseCertificate(creds *types.Credentials) (*Certificate, error) {
	if creds == nil || creds.Certificate == "" {
		return nil, errors.New("credentials carry no certificate")
	}
	var cert Certificate
	if err := json.Unmarshal([]byte(creds.Certificate), &cert); err != nil {
		return nil, fmt.Errorf("malformed certificate: %w", err)
	}
	return &cert, nil
}

// Verify checks that creds were issued with accessToken and are valid at
// the given instant
func Verify(creds *types.Credentials, accessToken string, at time.Time) error {
	cert, err := ParseCertificate(creds)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(cert.Signature), []byte(sign(accessToken, cert))) {
		return errors.New("certificate signature mismatch")
	}
	if creds.AccessToken != temporaryAccessToken(accessToken, cert.Seed) {
		return errors.New("access token does not match certificate seed")
	}
	if at.Before(cert.StartTime()) || at.After(cert.ExpiryTime()) {
		return errors.New("certificate is not valid at this time")
	}
	return nil
}

func sign(accessToken string, cert *Certificate) string {
	lines := []string{
		fmt.Sprintf("version:%d", cert.Version),
		"seed:" + cert.Seed,
		fmt.Sprintf("start:%d", cert.Start),
		fmt.Sprintf("expiry:%d", cert.Expiry),
		"scopes:",
	}
	lines = append(lines, cert.Scopes...)

	mac := hmac.New(sha256.New, []byte(accessToken))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func temporaryAccessToken(accessToken, seed string) string {
	mac := hmac.New(sha256.New, []byte(accessToken))
	mac.Write([]byte(seed))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// newSeed returns 44 characters of URL-safe randomness
func newSeed() string {
	a, b := uuid.New(), uuid.New()
	return base64.RawURLEncoding.EncodeToString(a[:]) + base64.RawURLEncoding.EncodeToString(b[:])
}
