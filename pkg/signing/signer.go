package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer 以太坊 personal-sign 签名器
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 解析十六进制私钥（可带 0x 前缀）
func NewSigner(secretHex string) (*Signer, error) {
	s := strings.TrimSpace(secretHex)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("secret key is empty")
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, errors.Wrap(err, "解析私钥失败")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// Signature v 为 27/28，r/s 为 0x 前缀十六进制
type Signature struct {
	V int
	R string
	S string
}

// Hex 65 字节签名的 0x 十六进制（r || s || v）
func (sig Signature) Hex() string {
	return sig.R + strings.TrimPrefix(sig.S, "0x") + fmt.Sprintf("%02x", sig.V)
}

// PersonalSign 对 "\x19Ethereum Signed Message:\n" 前缀后的消息哈希签名
func (s *Signer) PersonalSign(msg []byte) (Signature, error) {
	raw, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return Signature{}, errors.Wrap(err, "签名失败")
	}
	return Signature{
		V: int(raw[64]) + 27,
		R: "0x" + hex.EncodeToString(raw[:32]),
		S: "0x" + hex.EncodeToString(raw[32:64]),
	}, nil
}

// Credentials 账户 + API key + 签名器
type Credentials struct {
	AccountID string
	APIKey    string
	Signer    *Signer

	mu        sync.Mutex
	lastNonce int64
	now       func() time.Time
}

func NewCredentials(accountID, apiKey string, signer *Signer) *Credentials {
	return &Credentials{AccountID: accountID, APIKey: apiKey, Signer: signer, now: time.Now}
}

// nextNonce 毫秒时间戳，同一毫秒内递增保证唯一
func (c *Credentials) nextNonce() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Headers 生成 NONCE 认证头：Authorization: NONCE {account}.{apikey}.{v}.{r}.{s}
func (c *Credentials) Headers(method, path string) (map[string]string, error) {
	nonce := c.nextNonce()
	sig, err := c.Signer.PersonalSign([]byte(strconv.FormatInt(nonce, 10)))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": fmt.Sprintf("NONCE %s.%s.%d.%s.%s", c.AccountID, c.APIKey, sig.V, sig.R, sig.S),
		"Nonce":         strconv.FormatInt(nonce, 10),
		"Content-Type":  "application/json",
	}, nil
}

// RecoverAddress 从 personal-sign 签名恢复地址（测试与自检用）
func RecoverAddress(msg []byte, sig Signature) (common.Address, error) {
	r, err := hex.DecodeString(strings.TrimPrefix(sig.R, "0x"))
	if err != nil {
		return common.Address{}, err
	}
	s, err := hex.DecodeString(strings.TrimPrefix(sig.S, "0x"))
	if err != nil {
		return common.Address{}, err
	}
	raw := make([]byte, 65)
	copy(raw[32-len(r):32], r)
	copy(raw[64-len(s):64], s)
	raw[64] = byte(sig.V - 27)
	pub, err := crypto.SigToPub(accounts.TextHash(msg), raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
