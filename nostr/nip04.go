package nostr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// SharedSecret derives the NIP-04 encryption key between our secret key and
// a recipient's x-only hex pubkey: the x coordinate of the ECDH point.
func SharedSecret(sk *btcec.PrivateKey, recipientHex string) ([]byte, error) {
	raw, err := hex.DecodeString(recipientHex)
	if err != nil || len(raw) != 32 {
		return nil, errors.Errorf("recipient pubkey %q is not 32 hex bytes", recipientHex)
	}

	// Lift the x-only key to a full point with even y, per BIP-340.
	pubkey, err := btcec.ParsePubKey(append([]byte{0x02}, raw...))
	if err != nil {
		return nil, errors.Wrap(err, "could not parse recipient pubkey")
	}

	return btcec.GenerateSharedSecret(sk, pubkey), nil
}

// EncryptDM encrypts plaintext with AES-256-CBC under the shared secret and
// returns the NIP-04 wire form "<base64 ciphertext>?iv=<base64 iv>".
func EncryptDM(shared []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", errors.Wrap(err, "could not build cipher")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "could not read random iv")
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) +
		"?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptDM reverses EncryptDM.
func DecryptDM(shared []byte, content string) (string, error) {
	parts := strings.Split(content, "?iv=")
	if len(parts) != 2 {
		return "", errors.New("content is not in NIP-04 form")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.Wrap(err, "bad ciphertext encoding")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.Wrap(err, "bad iv encoding")
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext or iv has bad length")
	}

	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", errors.Wrap(err, "could not build cipher")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// NewDM builds and signs an encrypted direct message to the recipient.
func NewDM(sk *btcec.PrivateKey, recipientHex, plaintext string) (Event, error) {
	shared, err := SharedSecret(sk, recipientHex)
	if err != nil {
		return Event{}, err
	}
	content, err := EncryptDM(shared, plaintext)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Kind:    KindEncryptedDM,
		Tags:    [][]string{{"p", recipientHex}},
		Content: content,
	}
	if err := ev.Sign(sk); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("bad padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
