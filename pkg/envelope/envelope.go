// Package envelope implements the encrypted management envelope: a gzipped
// JSON document encrypted with AES-256-CBC under a key derived from the
// deployment key, with the IV carried in a request or response header.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/klauspost/compress/gzip"
)

const (
	// HeaderIV carries the hex encoded IV of an encrypted body
	HeaderIV = "X-Tdshell-Iv"
	// ContentEncoding marks a gzipped and encrypted response body
	ContentEncoding = "x-td-encgz"
	// OpShellMgmtCommand is the only accepted operation of an encrypted request
	OpShellMgmtCommand = "ShellMgmtCommand"
)

var (
	ErrNoKey     = errors.New("envelope: no deployment key")
	ErrMissingIV = errors.New("envelope: missing iv")
	ErrBadIV     = errors.New("envelope: bad iv")
	ErrBadBody   = errors.New("envelope: bad ciphertext")
	ErrBadOp     = errors.New("envelope: bad op")
)

// Command is the decrypted body of an encrypted management request
type Command struct {
	Op   string          `json:"op"`
	Cmd  []string        `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Codec seals and opens envelopes for one deployment key
type Codec struct {
	key []byte
}

// New creates a codec. The AES key is the SHA-256 digest of deploymentKey.
func New(deploymentKey string) (*Codec, error) {
	if deploymentKey == "" {
		return nil, ErrNoKey
	}
	sum := sha256.Sum256([]byte(deploymentKey))
	return &Codec{key: sum[:]}, nil
}

// ParseIV decodes an IV header value. Whitespace is ignored.
func ParseIV(header string) ([]byte, error) {
	if header == "" {
		return nil, ErrMissingIV
	}
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, header)
	iv, err := hex.DecodeString(clean)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrBadIV
	}
	return iv, nil
}

// Open decrypts and gunzips a body sealed under the IV in ivHeader
func (c *Codec) Open(ivHeader string, body []byte) ([]byte, error) {
	iv, err := ParseIV(ivHeader)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, ErrBadBody
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = unpad(plain)
	if err != nil {
		return nil, err
	}
	return Gunzip(bytes.NewReader(plain))
}

// Seal gzips and encrypts plaintext under a fresh random IV. The returned
// IV is hex encoded, ready for HeaderIV.
func (c *Codec) Seal(plaintext []byte) (string, []byte, error) {
	zipped, err := Gzip(plaintext)
	if err != nil {
		return "", nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", nil, err
	}
	padded := pad(zipped)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv), out, nil
}

// DecodeCommand parses a decrypted request and checks its operation
func DecodeCommand(plain []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(plain, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOp, err)
	}
	if cmd.Op != OpShellMgmtCommand {
		return nil, ErrBadOp
	}
	return &cmd, nil
}

// Gzip compresses data
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses a gzip stream
func Gunzip(r io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadBody
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrBadBody
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadBody
		}
	}
	return data[:len(data)-n], nil
}
