package clusterauth

import "testing"

func newTestIssuer(t *testing.T, secret string) *Issuer {
	t.Helper()
	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	return NewIssuer(hash, []byte("test-signing-key"), 0)
}

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	issuer := newTestIssuer(t, "correct-horse")

	token, err := issuer.IssueToken("node-2", "correct-horse")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	nodeId, err := issuer.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if nodeId != "node-2" {
		t.Fatalf("expected node-2, got %s", nodeId)
	}
}

func TestIssueTokenRejectsWrongSecret(t *testing.T) {
	issuer := newTestIssuer(t, "correct-horse")

	if _, err := issuer.IssueToken("node-2", "wrong-secret"); err == nil {
		t.Fatalf("expected IssueToken to reject a wrong join secret")
	}
}

func TestVerifyTokenRejectsForeignSigningKey(t *testing.T) {
	issuer := newTestIssuer(t, "correct-horse")
	other := NewIssuer(nil, []byte("a-different-key"), 0)

	token, err := issuer.IssueToken("node-2", "correct-horse")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := other.VerifyToken(token); err == nil {
		t.Fatalf("expected VerifyToken to reject a token signed with a different key")
	}
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t, "correct-horse")
	if _, err := issuer.VerifyToken("not-a-jwt"); err == nil {
		t.Fatalf("expected VerifyToken to reject a malformed token")
	}
}
