package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// PSK signs every envelope with an HMAC-SHA256 over its identifying fields
// and body using a pre-shared key.
type PSK struct {
	Plain
	key []byte
}

// NewPSK creates a pre-shared key provider
func NewPSK(identity, callerID, psk string) (*PSK, error) {
	if psk == "" {
		return nil, errors.New("psk security provider requires a pre-shared key")
	}
	return &PSK{
		Plain: Plain{identity: identity, callerID: defaultCallerID(callerID)},
		key:   []byte(psk),
	}, nil
}

func (p *PSK) EncodeRequest(env *Envelope) ([]byte, error) {
	env.SenderID = p.identity
	env.CallerID = p.callerID
	env.MsgTime = time.Now().Unix()
	env.Hash = p.sign(env)
	return json.Marshal(env)
}

func (p *PSK) EncodeReply(env *Envelope) ([]byte, error) {
	env.SenderID = p.identity
	env.MsgTime = time.Now().Unix()
	env.Hash = p.sign(env)
	return json.Marshal(env)
}

func (p *PSK) Decode(wire []byte) (*Envelope, error) {
	env, err := p.Plain.Decode(wire)
	if err != nil {
		return nil, err
	}

	want, err := hex.DecodeString(env.Hash)
	if err != nil || !hmac.Equal(want, p.mac(env)) {
		return nil, fmt.Errorf("%w: signature mismatch from %s", ErrSecurityValidation, env.SenderID)
	}
	return env, nil
}

func (p *PSK) sign(env *Envelope) string {
	return hex.EncodeToString(p.mac(env))
}

func (p *PSK) mac(env *Envelope) []byte {
	h := hmac.New(sha256.New, p.key)
	for _, part := range []string{
		env.SenderID, env.RequestID, env.Agent, env.Collective, env.CallerID,
		strconv.FormatInt(env.MsgTime, 10), strconv.Itoa(env.TTL),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if env.Filter != nil {
		if f, err := json.Marshal(env.Filter); err == nil {
			h.Write(f)
		}
	}
	var body bytes.Buffer
	if err := json.Compact(&body, env.Body); err != nil {
		h.Write(env.Body)
	} else {
		h.Write(body.Bytes())
	}
	return h.Sum(nil)
}
