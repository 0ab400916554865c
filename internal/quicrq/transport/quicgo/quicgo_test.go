package quicgo

import (
	"crypto/tls"
	"testing"
)

func TestTLSConfigAddsALPNWhenAbsent(t *testing.T) {
	cfg := Config{TLSConfig: &tls.Config{}}
	got := cfg.tlsConfig()
	if !containsALPN(got.NextProtos) {
		t.Fatalf("NextProtos = %v, want it to contain %q", got.NextProtos, ALPN)
	}
}

func TestTLSConfigPreservesExistingALPNList(t *testing.T) {
	cfg := Config{TLSConfig: &tls.Config{NextProtos: []string{"h3", ALPN}}}
	got := cfg.tlsConfig()
	if len(got.NextProtos) != 2 {
		t.Fatalf("NextProtos = %v, want unchanged 2-element list", got.NextProtos)
	}
}

func TestTLSConfigDoesNotMutateCallerConfig(t *testing.T) {
	original := &tls.Config{}
	cfg := Config{TLSConfig: original}
	_ = cfg.tlsConfig()
	if containsALPN(original.NextProtos) {
		t.Fatalf("caller's tls.Config was mutated in place")
	}
}

func TestNilTLSConfigGetsALPN(t *testing.T) {
	cfg := Config{}
	got := cfg.tlsConfig()
	if !containsALPN(got.NextProtos) {
		t.Fatalf("NextProtos = %v, want it to contain %q", got.NextProtos, ALPN)
	}
}
