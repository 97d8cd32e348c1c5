// Package nostr models Nostr events: canonical serialization, ids, Schnorr
// signatures, subscription filters and the shop's key handling. The relay
// transport lives in nostr/relaypool, the catalog publisher in nostr/mirror.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/pkg/errors"
)

// Event kinds used by the shop.
const (
	// KindEncryptedDM is a NIP-04 encrypted direct message.
	KindEncryptedDM = 4
	// KindStall is the replaceable-parameterized stall record.
	KindStall = 30017
	// KindProduct is the replaceable-parameterized product record.
	KindProduct = 30018
	// KindProductComment is the ephemeral kind buyers use for product
	// comments bound to this shop by a comment proof.
	KindProductComment = 20018
)

// Event is a Nostr event. Tags and content are kept as received; decoding of
// inbound events is permissive, verification is not.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form the event id commits to:
// [0, pubkey, created_at, kind, tags, content] without HTML escaping.
func (e Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode([]interface{}{0, e.Pubkey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return nil, errors.Wrap(err, "could not serialize event")
	}
	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex SHA-256 of the canonical form.
func (e Event) ComputeID() (string, error) {
	raw, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in Pubkey, ID and Sig using the given key. CreatedAt defaults to
// now when unset.
func (e *Event) Sign(sk *btcec.PrivateKey) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	e.Pubkey = PubkeyHex(sk)

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	digest, err := hex.DecodeString(id)
	if err != nil {
		return errors.Wrap(err, "could not decode event id")
	}
	sig, err := schnorr.Sign(sk, digest)
	if err != nil {
		return errors.Wrap(err, "could not sign event")
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the id matches the canonical form and the signature
// matches the id and pubkey.
func (e Event) Verify() bool {
	id, err := e.ComputeID()
	if err != nil || id != e.ID {
		return false
	}

	pubkeyBytes, err := hex.DecodeString(e.Pubkey)
	if err != nil {
		return false
	}
	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pubkey)
}

// Tag returns the first value of the first tag with the given name, or "".
func (e Event) Tag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// FindTag returns the full first tag with the given name.
func (e Event) FindTag(name string) ([]string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == name {
			return tag, true
		}
	}
	return nil, false
}

// Filter is a subscription filter per the relay protocol. Only the fields the
// shop uses are modeled.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	DTags   []string `json:"#d,omitempty"`
	XTags   []string `json:"#x,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Matches reports whether the event satisfies the filter. Used to fan
// multiplexed relay frames out to the right subscription.
func (f Filter) Matches(e Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, e.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.DTags) > 0 && !contains(f.DTags, e.Tag("d")) {
		return false
	}
	if len(f.XTags) > 0 && !contains(f.XTags, e.Tag("x")) {
		return false
	}
	if len(f.PTags) > 0 && !contains(f.PTags, e.Tag("p")) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, e := range list {
		if e == n {
			return true
		}
	}
	return false
}

// ParseSecretKey accepts the shop secret as 64 hex chars or a bech32 nsec
// string. The key is loaded from the environment at startup and never stored.
func ParseSecretKey(s string) (*btcec.PrivateKey, error) {
	s = strings.TrimSpace(s)

	var raw []byte
	if strings.HasPrefix(s, "nsec1") {
		hrp, data, err := bech32.Decode(s)
		if err != nil {
			return nil, errors.Wrap(err, "could not decode bech32 secret key")
		}
		if hrp != "nsec" {
			return nil, errors.Errorf("expected an nsec key, got %q", hrp)
		}
		raw, err = bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return nil, errors.Wrap(err, "could not convert bech32 payload")
		}
	} else {
		var err error
		raw, err = hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "secret key is not hex or nsec")
		}
	}

	if len(raw) != 32 {
		return nil, errors.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}
	sk, _ := btcec.PrivKeyFromBytes(raw)
	return sk, nil
}

// PubkeyHex returns the x-only hex pubkey of the given key, the form relays
// and filters use.
func PubkeyHex(sk *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
}
