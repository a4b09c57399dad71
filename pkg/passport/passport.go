// Package passport implements signed capability assertions: an agent's
// identity, the capabilities it claims, and an optional expiry, all bound
// together by an Ed25519 signature over the record's canonical JSON. A
// passport lets any holder verify who issued a claim and what it claims
// without consulting a directory or certificate authority.
package passport

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentmesh/trustcore/pkg/aid"
	"github.com/agentmesh/trustcore/pkg/canon"
	"golang.org/x/sync/errgroup"
)

// Passport is a signed capability assertion. PublicKey and Signature are
// lowercase hex; ExpiresAt is nil when the passport does not expire.
type Passport struct {
	DID          string   `json:"did"`
	PublicKey    string   `json:"publicKey"`
	Capabilities []string `json:"capabilities"`
	IssuedAt     int64    `json:"issuedAt"`
	ExpiresAt    *int64   `json:"expiresAt,omitempty"`
	Signature    string   `json:"signature"`
}

// CreateOptions configures Create.
type CreateOptions struct {
	// TTLSeconds, if non-zero, sets ExpiresAt = IssuedAt + TTLSeconds.
	TTLSeconds int64
	// Now overrides the issuance clock; defaults to time.Now if zero.
	Now func() time.Time
}

// VerifyOptions configures Verify and IsExpired.
type VerifyOptions struct {
	IgnoreExpiration bool
	// CurrentTime overrides the clock used for the expiry check; if nil,
	// time.Now is used.
	CurrentTime *int64
}

var (
	// ErrNilPassport is returned by operations that require a non-nil
	// passport pointer.
	ErrNilPassport = errors.New("passport: nil passport")
	// ErrUnknownField is returned by Deserialize when the JSON document
	// contains a field outside the fixed passport shape.
	ErrUnknownField = errors.New("passport: unknown field in serialized passport")
	// ErrMissingField is returned by Deserialize when a required field is
	// absent or of the wrong type.
	ErrMissingField = errors.New("passport: missing or malformed required field")
)

// Create issues a new passport for keyPair over the given capabilities.
func Create(keyPair *aid.KeyPair, capabilities []string, opts CreateOptions) (*Passport, error) {
	did, err := keyPair.AID()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	issuedAt := now().Unix()

	p := &Passport{
		DID:          did,
		PublicKey:    aid.PublicKeyHex(keyPair.PublicKey),
		Capabilities: append([]string(nil), capabilities...),
		IssuedAt:     issuedAt,
	}
	if opts.TTLSeconds != 0 {
		expiresAt := issuedAt + opts.TTLSeconds
		p.ExpiresAt = &expiresAt
	}
	payload, err := signingBytes(p)
	if err != nil {
		return nil, err
	}
	p.Signature = aid.SignatureHex(keyPair.Sign(payload))
	return p, nil
}

// signingBytes computes the canonical JSON of the record with Signature
// removed; ExpiresAt is omitted entirely (not nulled) when absent.
func signingBytes(p *Passport) ([]byte, error) {
	fields := map[string]any{
		"did":          p.DID,
		"publicKey":    p.PublicKey,
		"capabilities": capabilitiesAsAny(p.Capabilities),
		"issuedAt":     p.IssuedAt,
	}
	if p.ExpiresAt != nil {
		fields["expiresAt"] = *p.ExpiresAt
	}
	return canon.MarshalMap(fields)
}

func capabilitiesAsAny(caps []string) []any {
	out := make([]any, len(caps))
	for i, c := range caps {
		out[i] = c
	}
	return out
}

// Verify reports whether p is well-formed, unexpired (unless
// IgnoreExpiration), and signed by the private key matching its own DID.
// It never panics or returns an error: any failure yields false.
func Verify(p *Passport, opts VerifyOptions) bool {
	if p == nil {
		return false
	}
	parsed, err := aid.ParseAID(p.DID)
	if err != nil {
		return false
	}
	pub, err := aid.DecodePublicKeyHex(p.PublicKey)
	if err != nil {
		return false
	}
	if string(pub) != string(parsed.PublicKey) {
		return false
	}
	sig, err := aid.DecodeSignatureHex(p.Signature)
	if err != nil {
		return false
	}
	if !opts.IgnoreExpiration && p.ExpiresAt != nil {
		current := currentUnix(opts.CurrentTime)
		if current >= *p.ExpiresAt {
			return false
		}
	}
	payload, err := signingBytes(p)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

func currentUnix(override *int64) int64 {
	if override != nil {
		return *override
	}
	return time.Now().Unix()
}

// VerifyResult is one entry of BatchVerify's output.
type VerifyResult struct {
	DID   string
	Valid bool
}

// BatchVerify verifies every passport in list independently, fanning the
// work out across a bounded worker group, and returns results in input
// order. A single passport's verification never blocks another's.
func BatchVerify(list []*Passport, opts VerifyOptions) []VerifyResult {
	results := make([]VerifyResult, len(list))
	var g errgroup.Group
	g.SetLimit(maxWorkers())
	for i, p := range list {
		i, p := i, p
		g.Go(func() error {
			did := ""
			if p != nil {
				did = p.DID
			}
			results[i] = VerifyResult{DID: did, Valid: Verify(p, opts)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func maxWorkers() int {
	return 8
}

// IsExpired reports whether p has an ExpiresAt in the past relative to
// currentTime (or time.Now if nil). A passport with no ExpiresAt never
// expires.
func IsExpired(p *Passport, currentTime *int64) bool {
	if p == nil || p.ExpiresAt == nil {
		return false
	}
	return currentUnix(currentTime) >= *p.ExpiresAt
}

// RotationProof is a signed statement by an old key pair consenting to the
// transfer of authority to a new one.
type RotationProof struct {
	OldDID       string `json:"oldDid"`
	NewDID       string `json:"newDid"`
	NewPublicKey string `json:"newPublicKey"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

func rotationSigningBytes(r *RotationProof) ([]byte, error) {
	return canon.MarshalMap(map[string]any{
		"oldDid":       r.OldDID,
		"newDid":       r.NewDID,
		"newPublicKey": r.NewPublicKey,
		"timestamp":    r.Timestamp,
	})
}

// CreateRotationProof signs a statement, under oldKP's private key, that
// authority transitions from oldKP's AID to newKP's AID at the current
// time.
func CreateRotationProof(oldKP, newKP *aid.KeyPair) (*RotationProof, error) {
	oldDID, err := oldKP.AID()
	if err != nil {
		return nil, err
	}
	newDID, err := newKP.AID()
	if err != nil {
		return nil, err
	}
	r := &RotationProof{
		OldDID:       oldDID,
		NewDID:       newDID,
		NewPublicKey: aid.PublicKeyHex(newKP.PublicKey),
		Timestamp:    time.Now().Unix(),
	}
	payload, err := rotationSigningBytes(r)
	if err != nil {
		return nil, err
	}
	r.Signature = aid.SignatureHex(oldKP.Sign(payload))
	return r, nil
}

// VerifyRotationProof recomputes the canonical signing bytes and checks the
// signature under the public key embedded in OldDID.
func VerifyRotationProof(r *RotationProof) bool {
	if r == nil {
		return false
	}
	oldPub, err := aid.AIDToPublicKey(r.OldDID)
	if err != nil {
		return false
	}
	if _, err := aid.ParseAID(r.NewDID); err != nil {
		return false
	}
	newPub, err := aid.DecodePublicKeyHex(r.NewPublicKey)
	if err != nil {
		return false
	}
	newParsed, err := aid.ParseAID(r.NewDID)
	if err != nil || string(newParsed.PublicKey) != string(newPub) {
		return false
	}
	sig, err := aid.DecodeSignatureHex(r.Signature)
	if err != nil {
		return false
	}
	payload, err := rotationSigningBytes(r)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(oldPub), payload, sig)
}

// RotateResult bundles the new passport with the proof authorizing the
// transition, together forming an auditable chain from old to new
// authority.
type RotateResult struct {
	Passport      *Passport
	RotationProof *RotationProof
}

// RotatePassport issues a new passport under newKP preserving
// oldPassport's capabilities, plus a rotation proof consenting to the
// transition from oldKP to newKP.
func RotatePassport(oldPassport *Passport, oldKP, newKP *aid.KeyPair, opts CreateOptions) (*RotateResult, error) {
	if oldPassport == nil {
		return nil, ErrNilPassport
	}
	newPassport, err := Create(newKP, oldPassport.Capabilities, opts)
	if err != nil {
		return nil, err
	}
	proof, err := CreateRotationProof(oldKP, newKP)
	if err != nil {
		return nil, err
	}
	return &RotateResult{Passport: newPassport, RotationProof: proof}, nil
}

// Serialize renders p as compact JSON.
func Serialize(p *Passport) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPassport
	}
	return json.Marshal(p)
}

// Deserialize parses compact JSON into a Passport, rejecting any field
// outside the fixed shape so the canonical signing bytes recomputed from
// the result stay stable. did, publicKey, signature, issuedAt and
// capabilities are required.
func Deserialize(data []byte) (*Passport, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	allowed := map[string]bool{
		"did": true, "publicKey": true, "capabilities": true,
		"issuedAt": true, "expiresAt": true, "signature": true,
	}
	for k := range raw {
		if !allowed[k] {
			return nil, ErrUnknownField
		}
	}
	for _, req := range []string{"did", "publicKey", "signature", "issuedAt", "capabilities"} {
		if _, ok := raw[req]; !ok {
			return nil, ErrMissingField
		}
	}

	var p Passport
	if err := json.Unmarshal(raw["did"], &p.DID); err != nil {
		return nil, ErrMissingField
	}
	if err := json.Unmarshal(raw["publicKey"], &p.PublicKey); err != nil {
		return nil, ErrMissingField
	}
	if err := json.Unmarshal(raw["signature"], &p.Signature); err != nil {
		return nil, ErrMissingField
	}
	if err := json.Unmarshal(raw["issuedAt"], &p.IssuedAt); err != nil {
		return nil, ErrMissingField
	}
	if err := json.Unmarshal(raw["capabilities"], &p.Capabilities); err != nil {
		return nil, ErrMissingField
	}
	if p.Capabilities == nil {
		p.Capabilities = []string{}
	}
	if expRaw, ok := raw["expiresAt"]; ok {
		var exp int64
		if err := json.Unmarshal(expRaw, &exp); err != nil {
			return nil, ErrMissingField
		}
		p.ExpiresAt = &exp
	}
	return &p, nil
}
