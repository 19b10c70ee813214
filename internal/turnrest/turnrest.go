// Package turnrest issues short-lived TURN credentials compatible with
// coturn's use-auth-secret mode:
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidConfig = errors.New("turnrest: invalid config")

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, fmt.Errorf("%w: shared secret is required", ErrInvalidConfig)
	case cfg.TTL < time.Second:
		return nil, fmt.Errorf("%w: ttl must be at least 1s", ErrInvalidConfig)
	case cfg.UsernamePrefix == "":
		return nil, fmt.Errorf("%w: username prefix is required", ErrInvalidConfig)
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, fmt.Errorf("%w: username prefix must not contain ':'", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Issue signs credentials for id. An empty id is replaced with a random one.
func (i *Issuer) Issue(id string) (Credentials, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("turnrest: id must not contain ':'")
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, id)
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers in which every entry with a TURN URL
// carries one freshly issued credential pair. STUN-only entries are left
// untouched.
func (i *Issuer) Apply(servers []webrtc.ICEServer, id string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var creds *Credentials
	for idx, server := range out {
		if !HasTURNURL(server) {
			continue
		}
		if creds == nil {
			c, err := i.Issue(id)
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[idx].Username = creds.Username
		out[idx].Credential = creds.Credential
	}
	return out, nil
}

// HasTURNURL reports whether any of server's URLs is turn: or turns:.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
