package passport

import (
	"reflect"
	"testing"
	"time"

	"github.com/agentmesh/trustcore/pkg/aid"
)

func mustKeyPair(t *testing.T) *aid.KeyPair {
	t.Helper()
	kp, err := aid.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	return kp
}

func TestCreateVerifyRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	p, err := Create(kp, []string{"navigate", "perceive"}, CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !Verify(p, VerifyOptions{}) {
		t.Fatal("expected freshly issued passport to verify")
	}
}

func TestCreateEmptyCapabilitiesIsValid(t *testing.T) {
	kp := mustKeyPair(t)
	p, err := Create(kp, nil, CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !Verify(p, VerifyOptions{}) {
		t.Fatal("expected passport with empty capabilities to verify")
	}
}

// TestTamperFailsVerification covers scenario S2: mutating any signed field
// (here, appending a capability) must flip Verify from true to false.
func TestTamperFailsVerification(t *testing.T) {
	kp := mustKeyPair(t)
	p, err := Create(kp, []string{"navigate", "perceive"}, CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !Verify(p, VerifyOptions{}) {
		t.Fatal("expected original passport to verify")
	}
	p.Capabilities = append(p.Capabilities, "hack")
	if Verify(p, VerifyOptions{}) {
		t.Fatal("expected tampered passport to fail verification")
	}
}

func TestTamperDIDFailsVerification(t *testing.T) {
	kp := mustKeyPair(t)
	other := mustKeyPair(t)
	p, err := Create(kp, []string{"navigate"}, CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	otherDID, _ := other.AID()
	p.DID = otherDID
	if Verify(p, VerifyOptions{}) {
		t.Fatal("expected passport with substituted did to fail verification")
	}
}

func TestTamperExpiresAtFailsVerification(t *testing.T) {
	kp := mustKeyPair(t)
	p, err := Create(kp, []string{"navigate"}, CreateOptions{TTLSeconds: 60})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !Verify(p, VerifyOptions{}) {
		t.Fatal("expected original passport to verify")
	}
	bumped := *p.ExpiresAt + 1000
	p.ExpiresAt = &bumped
	if Verify(p, VerifyOptions{}) {
		t.Fatal("expected passport with tampered expiry to fail verification")
	}
}

// TestExpiry covers scenario S3: a passport with ttlSeconds=1 verifies as
// false 100 seconds later, and true again when the caller ignores
// expiration.
func TestExpiry(t *testing.T) {
	kp := mustKeyPair(t)
	issuedAt := int64(1_700_000_000)
	p, err := Create(kp, []string{"navigate"}, CreateOptions{
		TTLSeconds: 1,
		Now:        func() time.Time { return time.Unix(issuedAt, 0) },
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	later := issuedAt + 100
	if Verify(p, VerifyOptions{CurrentTime: &later}) {
		t.Fatal("expected expired passport to fail verification")
	}
	if !Verify(p, VerifyOptions{CurrentTime: &later, IgnoreExpiration: true}) {
		t.Fatal("expected ignoreExpiration to bypass the expiry check")
	}
}

func TestIsExpired(t *testing.T) {
	kp := mustKeyPair(t)
	issuedAt := int64(1_700_000_000)
	p, err := Create(kp, nil, CreateOptions{
		TTLSeconds: 10,
		Now:        func() time.Time { return time.Unix(issuedAt, 0) },
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	before := issuedAt + 5
	after := issuedAt + 20
	if IsExpired(p, &before) {
		t.Fatal("expected not-yet-expired passport")
	}
	if !IsExpired(p, &after) {
		t.Fatal("expected expired passport")
	}
}

func TestIsExpiredNeverExpiresWithoutTTL(t *testing.T) {
	kp := mustKeyPair(t)
	p, err := Create(kp, nil, CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	farFuture := int64(9_999_999_999)
	if IsExpired(p, &farFuture) {
		t.Fatal("passport without expiresAt must never expire")
	}
}

func TestBatchVerify(t *testing.T) {
	kp1 := mustKeyPair(t)
	kp2 := mustKeyPair(t)
	good1, _ := Create(kp1, []string{"a"}, CreateOptions{})
	good2, _ := Create(kp2, []string{"b"}, CreateOptions{})
	bad, _ := Create(kp2, []string{"b"}, CreateOptions{})
	bad.Capabilities = []string{"tampered"}

	results := BatchVerify([]*Passport{good1, bad, good2}, VerifyOptions{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	want := []bool{true, false, true}
	for i, r := range results {
		if r.Valid != want[i] {
			t.Fatalf("result %d: got valid=%v want %v", i, r.Valid, want[i])
		}
		if r.DID == "" {
			t.Fatalf("result %d: expected non-empty did", i)
		}
	}
}

func TestVerifyRejectsNilAndMalformed(t *testing.T) {
	if Verify(nil, VerifyOptions{}) {
		t.Fatal("nil passport must not verify")
	}
	kp := mustKeyPair(t)
	p, _ := Create(kp, nil, CreateOptions{})
	p.Signature = "not-hex"
	if Verify(p, VerifyOptions{}) {
		t.Fatal("malformed signature must not verify")
	}
}

// TestRotationProofRoundTrip covers invariant 10:
// verifyRotationProof(createRotationProof(a,b)) == true, and altering any
// field flips it to false.
func TestRotationProofRoundTrip(t *testing.T) {
	oldKP := mustKeyPair(t)
	newKP := mustKeyPair(t)
	proof, err := CreateRotationProof(oldKP, newKP)
	if err != nil {
		t.Fatalf("createRotationProof failed: %v", err)
	}
	if !VerifyRotationProof(proof) {
		t.Fatal("expected freshly created rotation proof to verify")
	}

	tamperedTimestamp := *proof
	tamperedTimestamp.Timestamp++
	if VerifyRotationProof(&tamperedTimestamp) {
		t.Fatal("expected tampered timestamp to fail verification")
	}

	tamperedNewDID := *proof
	third := mustKeyPair(t)
	tamperedNewDID.NewDID, _ = third.AID()
	if VerifyRotationProof(&tamperedNewDID) {
		t.Fatal("expected substituted newDid to fail verification")
	}
}

func TestRotatePassportPreservesCapabilities(t *testing.T) {
	oldKP := mustKeyPair(t)
	newKP := mustKeyPair(t)
	oldPassport, err := Create(oldKP, []string{"navigate", "perceive"}, CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	result, err := RotatePassport(oldPassport, oldKP, newKP, CreateOptions{})
	if err != nil {
		t.Fatalf("rotatePassport failed: %v", err)
	}
	if !Verify(result.Passport, VerifyOptions{}) {
		t.Fatal("expected rotated passport to verify")
	}
	if !VerifyRotationProof(result.RotationProof) {
		t.Fatal("expected rotation proof to verify")
	}
	if len(result.Passport.Capabilities) != 2 {
		t.Fatalf("expected capabilities preserved, got %v", result.Passport.Capabilities)
	}
	newDID, _ := newKP.AID()
	if result.Passport.DID != newDID {
		t.Fatal("rotated passport must be issued under the new key")
	}
}

// TestSerializeDeserializeRoundTrip covers invariant 2:
// deserialize(serialize(passport)) == passport and both verify identically.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	p, err := Create(kp, []string{"navigate", "perceive"}, CreateOptions{TTLSeconds: 3600})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	data, err := Serialize(p)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	back, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if !reflect.DeepEqual(back, p) {
		t.Fatalf("round-trip mismatch: got %+v want %+v", back, p)
	}
	if Verify(back, VerifyOptions{}) != Verify(p, VerifyOptions{}) {
		t.Fatal("round-tripped passport must verify identically to the original")
	}
}

func TestDeserializeRejectsUnknownField(t *testing.T) {
	kp := mustKeyPair(t)
	p, _ := Create(kp, nil, CreateOptions{})
	data, _ := Serialize(p)
	withExtra := append(data[:len(data)-1:len(data)-1], []byte(`,"extra":true}`)...)
	if _, err := Deserialize(withExtra); err != ErrUnknownField {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestDeserializeRejectsMissingField(t *testing.T) {
	if _, err := Deserialize([]byte(`{"did":"x","publicKey":"y","signature":"z"}`)); err != ErrMissingField {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}
