package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// OrderFields 参与订单哈希的字段
type OrderFields struct {
	AccountID         string
	Originator        string
	Instrument        string
	Side              string // buy / sell
	OrderType         string // LMT / MKT
	Price             decimal.Decimal
	Quantity          decimal.Decimal
	MarginPerFraction *big.Int
	Timestamp         int64 // 微秒
	Quote             string
	IsPostOnly        bool
	ReduceOnly        bool
}

// OrderHash 紧凑编码后做 keccak256。
// 价格按报价币精度放大，数量按 18 位放大，地址取 20 字节，布尔取 1 字节。
func OrderHash(f OrderFields, quoteDecimals int32) []byte {
	var buf []byte
	buf = append(buf, common.HexToAddress(f.AccountID).Bytes()...)
	buf = append(buf, common.HexToAddress(f.Originator).Bytes()...)
	buf = append(buf, []byte(f.Instrument)...)
	buf = append(buf, []byte(f.Side)...)
	buf = append(buf, []byte(f.OrderType)...)
	buf = append(buf, math.U256Bytes(f.Price.Shift(quoteDecimals).Truncate(0).BigInt())...)
	buf = append(buf, math.U256Bytes(f.Quantity.Shift(18).Truncate(0).BigInt())...)
	mpf := f.MarginPerFraction
	if mpf == nil {
		mpf = new(big.Int)
	}
	buf = append(buf, math.U256Bytes(new(big.Int).Set(mpf))...)
	buf = append(buf, math.U256Bytes(big.NewInt(f.Timestamp))...)
	buf = append(buf, common.HexToAddress(f.Quote).Bytes()...)
	buf = append(buf, boolByte(f.IsPostOnly), boolByte(f.ReduceOnly))
	return crypto.Keccak256(buf)
}

// SignOrder 对订单哈希做 personal-sign，返回 0x 十六进制签名
func (s *Signer) SignOrder(f OrderFields, quoteDecimals int32) (string, error) {
	sig, err := s.PersonalSign(OrderHash(f, quoteDecimals))
	if err != nil {
		return "", errors.Wrap(err, "订单签名失败")
	}
	return sig.Hex(), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
