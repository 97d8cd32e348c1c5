package nostr

import (
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommentProofRoundtrip(t *testing.T) {
	shop := newKey(t)
	ts := time.Now().Unix()

	proof, err := IssueCommentProof(shop, "prod-1", ts)
	require.NoError(t, err)
	assert.Equal(t, ts, proof.Ts)

	storePubkey := PubkeyHex(shop)
	assert.True(t, VerifyCommentProof(storePubkey, "prod-1", proof.Sig, ts))

	t.Run("wrong product", func(t *testing.T) {
		assert.False(t, VerifyCommentProof(storePubkey, "prod-2", proof.Sig, ts))
	})
	t.Run("wrong timestamp", func(t *testing.T) {
		assert.False(t, VerifyCommentProof(storePubkey, "prod-1", proof.Sig, ts+1))
	})
	t.Run("wrong shop", func(t *testing.T) {
		assert.False(t, VerifyCommentProof(PubkeyHex(newKey(t)), "prod-1", proof.Sig, ts))
	})
	t.Run("garbage signature", func(t *testing.T) {
		assert.False(t, VerifyCommentProof(storePubkey, "prod-1", "not hex", ts))
	})
}

func signedComment(t *testing.T, buyer *btcec.PrivateKey, storePubkey string, proof CommentProof, productID string) Event {
	t.Helper()
	ev := Event{
		Kind: KindProductComment,
		Tags: [][]string{
			{"x", "shop:" + storePubkey + ":product:" + productID},
			{"proof", proof.Sig, strconv.FormatInt(proof.Ts, 10)},
		},
		Content: "great socks",
	}
	require.NoError(t, ev.Sign(buyer))
	return ev
}

func TestVerifyCommentEvent(t *testing.T) {
	shop, buyer := newKey(t), newKey(t)
	storePubkey := PubkeyHex(shop)

	proof, err := IssueCommentProof(shop, "prod-1", time.Now().Unix())
	require.NoError(t, err)

	ev := signedComment(t, buyer, storePubkey, proof, "prod-1")
	assert.True(t, VerifyCommentEvent(ev, storePubkey))

	t.Run("wrong kind", func(t *testing.T) {
		bad := ev
		bad.Kind = KindEncryptedDM
		require.NoError(t, bad.Sign(buyer))
		assert.False(t, VerifyCommentEvent(bad, storePubkey))
	})

	t.Run("tampered content breaks the event signature", func(t *testing.T) {
		bad := ev
		bad.Content = "terrible socks"
		assert.False(t, VerifyCommentEvent(bad, storePubkey))
	})

	t.Run("proof for another product", func(t *testing.T) {
		bad := signedComment(t, buyer, storePubkey, proof, "prod-2")
		assert.False(t, VerifyCommentEvent(bad, storePubkey))
	})

	t.Run("x tag for another shop", func(t *testing.T) {
		otherShop := PubkeyHex(newKey(t))
		bad := signedComment(t, buyer, otherShop, proof, "prod-1")
		assert.False(t, VerifyCommentEvent(bad, storePubkey))
	})

	t.Run("missing proof tag", func(t *testing.T) {
		bad := Event{
			Kind:    KindProductComment,
			Tags:    [][]string{{"x", "shop:" + storePubkey + ":product:prod-1"}},
			Content: "great socks",
		}
		require.NoError(t, bad.Sign(buyer))
		assert.False(t, VerifyCommentEvent(bad, storePubkey))
	})

	t.Run("malformed proof timestamp", func(t *testing.T) {
		bad := Event{
			Kind: KindProductComment,
			Tags: [][]string{
				{"x", "shop:" + storePubkey + ":product:prod-1"},
				{"proof", proof.Sig, "soon"},
			},
		}
		require.NoError(t, bad.Sign(buyer))
		assert.False(t, VerifyCommentEvent(bad, storePubkey))
	})
}
