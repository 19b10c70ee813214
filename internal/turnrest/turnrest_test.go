package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func fixedIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	iss, err := NewIssuer(Config{
		SharedSecret:   "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "geosignal",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestIssue_DeterministicWithFixedTime(t *testing.T) {
	creds, err := fixedIssuer(t, time.Hour).Issue("op-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	wantUsername := "1700003600:geosignal:op-1"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if !creds.Expires.Equal(time.Unix(1_700_003_600, 0)) {
		t.Fatalf("Expires=%v", creds.Expires)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestIssue_RandomIDWhenEmpty(t *testing.T) {
	iss := fixedIssuer(t, time.Minute)
	a, err := iss.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	b, _ := iss.Issue("")
	if a.Username == b.Username {
		t.Fatalf("random ids collided: %q", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || parts[2] == "" {
		t.Fatalf("Username=%q, want expiry:prefix:id", a.Username)
	}
	if _, err := iss.Issue("bad:id"); err == nil {
		t.Fatalf("expected error for id containing ':'")
	}
}

func TestNewIssuer_Validates(t *testing.T) {
	for _, cfg := range []Config{
		{TTL: time.Hour, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: 0, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: time.Hour},
		{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
	} {
		if _, err := NewIssuer(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("NewIssuer(%+v) err=%v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestApply_OnlyTouchesTURNEntries(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
		{URLs: []string{"turns:turn.example.com:5349"}, Username: "static", Credential: "static"},
	}

	out, err := fixedIssuer(t, time.Hour).Apply(servers, "req1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry got credentials: %+v", out[0])
	}
	for _, s := range out[1:] {
		if s.Username != "1700003600:geosignal:req1" {
			t.Fatalf("turn entry username=%q", s.Username)
		}
		if cred, _ := s.Credential.(string); cred == "" {
			t.Fatalf("turn entry missing credential")
		}
	}
	if servers[1].Username != "" || servers[2].Username != "static" {
		t.Fatalf("Apply mutated its input: %+v", servers)
	}
}
