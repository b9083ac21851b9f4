package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTimestampTolerance bounds |now - timestamp| for a signed command.
	DefaultTimestampTolerance = 300 * time.Second
	// DefaultNonceRetention is how long a used nonce is remembered.
	DefaultNonceRetention = 600 * time.Second

	FieldTimestamp = "timestamp"
	FieldNonce     = "nonce"
	FieldSignature = "signature"
	FieldClientID  = "client_id"
)

var (
	ErrClientNotRegistered = errors.New("client not registered or disabled")
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrExpired             = errors.New("command expired")
	ErrInvalidTimestamp    = errors.New("invalid timestamp format")
	ErrNonceReplayed       = errors.New("nonce already used (replay attack detected)")
)

// ReplayError explains why a signed command was rejected.
type ReplayError struct {
	Err    error
	Reason string
}

func (e *ReplayError) Error() string {
	return e.Reason
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Payload is a JSON object exactly as it travels on the wire.
type Payload map[string]any

// PayloadOf converts any JSON-marshalable value into a Payload. Numbers are
// kept as json.Number so integers re-encode byte-for-byte.
func PayloadOf(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodePayload(raw)
}

// DecodePayload parses a JSON object.
func DecodePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return p, nil
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Canonicalize serializes a payload with sorted keys and no insignificant
// whitespace so signer and verifier hash identical bytes.
func Canonicalize(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(p)); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the hex HMAC-SHA256 of the canonical payload.
func Sign(p Payload, secret string) (string, error) {
	canonical, err := Canonicalize(p)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time.
func Verify(p Payload, signature, secret string) bool {
	expected, err := Sign(p, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(expected))
}

// FormatTimestamp renders t the way signed commands carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 and naive ISO-8601 (interpreted as local time).
func ParseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", raw, time.Local)
}

// SecretSource resolves the shared secret of an enabled client.
type SecretSource interface {
	ClientSecret(ctx context.Context, clientID string) (secret string, ok bool, err error)
}

// Signer stamps and signs commands on behalf of the server.
type Signer struct {
	secrets SecretSource
	now     func() time.Time
}

func NewSigner(secrets SecretSource) *Signer {
	return &Signer{secrets: secrets, now: time.Now}
}

// SignCommand stamps timestamp, nonce and client_id onto a copy of command and
// attaches a signature computed over every field except the signature itself.
func (s *Signer) SignCommand(ctx context.Context, command Payload, clientID string) (Payload, error) {
	secret, ok, err := s.secrets.ClientSecret(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClientNotRegistered
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	signed := command.Clone()
	delete(signed, FieldSignature)
	signed[FieldTimestamp] = FormatTimestamp(s.now())
	signed[FieldNonce] = nonce
	signed[FieldClientID] = clientID

	signature, err := Sign(signed, secret)
	if err != nil {
		return nil, err
	}
	signed[FieldSignature] = signature
	return signed, nil
}

// Verifier checks signed commands and consumes their nonces. A second
// verification of the same payload fails.
type Verifier struct {
	nonces    NonceStore
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(nonces NonceStore, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	return &Verifier{nonces: nonces, tolerance: tolerance, now: time.Now}
}

// VerifyCommandSignature returns nil when the command is authentic, fresh and
// not replayed. Failures are *ReplayError.
func (v *Verifier) VerifyCommandSignature(ctx context.Context, command Payload, secret string) error {
	for _, field := range []string{FieldTimestamp, FieldNonce, FieldSignature} {
		if _, ok := command[field]; !ok {
			return &ReplayError{Err: ErrMissingField, Reason: "Missing required field: " + field}
		}
	}

	signature, _ := command[FieldSignature].(string)
	unsigned := command.Clone()
	delete(unsigned, FieldSignature)
	if !Verify(unsigned, signature, secret) {
		return &ReplayError{Err: ErrInvalidSignature, Reason: "Invalid signature"}
	}

	rawTS, _ := command[FieldTimestamp].(string)
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return &ReplayError{Err: ErrInvalidTimestamp, Reason: fmt.Sprintf("Invalid timestamp format: %v", err)}
	}
	now := v.now()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return &ReplayError{Err: ErrExpired, Reason: fmt.Sprintf("Command expired (timestamp too old: %.0fs)", drift.Seconds())}
	}

	nonce, _ := command[FieldNonce].(string)
	if nonce == "" {
		return &ReplayError{Err: ErrMissingField, Reason: "Missing required field: " + FieldNonce}
	}
	if err := v.nonces.CheckAndStore(ctx, nonce, now); err != nil {
		if errors.Is(err, ErrNonceReplayed) {
			return &ReplayError{Err: ErrNonceReplayed, Reason: "Nonce already used (replay attack detected)"}
		}
		return err
	}
	return nil
}

// CheckWindows verifies that a used nonce cannot be purged while a replay of
// it would still pass the timestamp check. A command may carry a timestamp up
// to tolerance ahead of the moment its nonce was recorded, so retention has to
// cover twice the tolerance.
func CheckWindows(tolerance, retention time.Duration) error {
	if tolerance <= 0 || retention <= 0 {
		return errors.New("tolerance and retention must be positive")
	}
	if retention < 2*tolerance {
		return fmt.Errorf("nonce retention %s is shorter than twice the timestamp tolerance %s", retention, tolerance)
	}
	return nil
}
