package authkit

import "testing"

func TestDigestRefreshTokenIsDeterministic(t *testing.T) {
	t.Parallel()

	first := DigestRefreshToken("token-value")
	second := DigestRefreshToken("token-value")
	if first == "" || first != second {
		t.Fatalf("expected stable non-empty digest, got %q and %q", first, second)
	}
	if DigestRefreshToken("other-value") == first {
		t.Fatalf("expected different tokens to produce different digests")
	}
}

func TestRefreshDigestMatches(t *testing.T) {
	t.Parallel()

	digest := DigestRefreshToken("token-value")
	testCases := []struct {
		name      string
		token     string
		persisted string
		expected  bool
	}{
		{name: "match", token: "token-value", persisted: digest, expected: true},
		{name: "mismatch", token: "other", persisted: digest, expected: false},
		{name: "cleared", token: "token-value", persisted: "", expected: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if got := refreshDigestMatches(testCase.token, testCase.persisted); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

func TestBcryptPasswordHasherRoundTrip(t *testing.T) {
	t.Parallel()

	hasher := NewBcryptPasswordHasher(4)
	digest, err := hasher.Hash("correct horse")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if !hasher.Verify("correct horse", digest) {
		t.Fatalf("expected password to verify")
	}
	if hasher.Verify("wrong horse", digest) {
		t.Fatalf("expected wrong password to fail")
	}
	if hasher.Verify("correct horse", "") {
		t.Fatalf("expected empty digest to fail")
	}
}
