package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"
)

// A comment proof is a Schnorr signature the shop issues over
// "comment-proof:<storePubkey>:<productId>:<ts>". Buyers attach it to their
// comment events in a "proof" tag, which lets any reader bind the comment to
// this shop without relay cooperation.

// CommentProof is the issued tuple handed to the client.
type CommentProof struct {
	Sig string `json:"sig"`
	Ts  int64  `json:"ts"`
}

func commentProofDigest(storePubkey, productID string, ts int64) [32]byte {
	return sha256.Sum256([]byte(
		fmt.Sprintf("comment-proof:%s:%s:%d", storePubkey, productID, ts)))
}

// IssueCommentProof signs the proof tuple for the given product at ts.
func IssueCommentProof(sk *btcec.PrivateKey, productID string, ts int64) (CommentProof, error) {
	digest := commentProofDigest(PubkeyHex(sk), productID, ts)
	sig, err := schnorr.Sign(sk, digest[:])
	if err != nil {
		return CommentProof{}, errors.Wrap(err, "could not sign comment proof")
	}
	return CommentProof{Sig: hex.EncodeToString(sig.Serialize()), Ts: ts}, nil
}

// VerifyCommentProof checks a proof tuple against the shop's published
// pubkey. Any tampering with the signature, product id or timestamp fails.
func VerifyCommentProof(storePubkey, productID, sigHex string, ts int64) bool {
	pubkeyBytes, err := hex.DecodeString(storePubkey)
	if err != nil {
		return false
	}
	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	digest := commentProofDigest(storePubkey, productID, ts)
	return sig.Verify(digest[:], pubkey)
}

// VerifyCommentEvent checks a buyer's comment event end to end: a valid event
// signature, an "x" tag naming this shop and product, and a valid "proof"
// tag.
func VerifyCommentEvent(ev Event, storePubkey string) bool {
	if ev.Kind != KindProductComment || !ev.Verify() {
		return false
	}

	productID, ok := commentProduct(ev, storePubkey)
	if !ok {
		return false
	}

	proof, ok := ev.FindTag("proof")
	if !ok || len(proof) < 3 {
		return false
	}
	ts, err := strconv.ParseInt(proof[2], 10, 64)
	if err != nil {
		return false
	}
	return VerifyCommentProof(storePubkey, productID, proof[1], ts)
}

// commentProduct extracts the product id from the "x" tag, which has the
// form "shop:<pubkey>:product:<id>".
func commentProduct(ev Event, storePubkey string) (string, bool) {
	x := ev.Tag("x")
	prefix := "shop:" + storePubkey + ":product:"
	if len(x) <= len(prefix) || x[:len(prefix)] != prefix {
		return "", false
	}
	return x[len(prefix):], true
}
