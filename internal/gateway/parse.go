// parse.go decodes the broker's realtime wire format.
//
// Realtime frames are pipe-delimited: flag|tr_id|count|payload. The payload
// is count records of caret-separated fields. flag "1" marks an encrypted
// payload (AES-CBC, base64, session key from the subscribe ack).
package gateway

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"kis-daytrader/pkg/types"
)

const contractFieldCount = 46

// frame is one inbound realtime message split into its envelope parts.
type frame struct {
	Encrypted bool
	TRID      string
	Count     int
	Payload   string
}

// parseFrame splits flag|tr_id|count|payload. Non-realtime input (JSON
// control messages start with '{') returns an error.
func parseFrame(raw string) (frame, error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 {
		return frame{}, fmt.Errorf("frame: want 4 pipe parts, got %d", len(parts))
	}
	if parts[0] != "0" && parts[0] != "1" {
		return frame{}, fmt.Errorf("frame: bad flag %q", parts[0])
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 1 {
		return frame{}, fmt.Errorf("frame: bad record count %q", parts[2])
	}
	return frame{
		Encrypted: parts[0] == "1",
		TRID:      parts[1],
		Count:     count,
		Payload:   parts[3],
	}, nil
}

// records splits the payload into per-record field slices. Records are
// concatenated caret fields; fieldsPer determines the record boundary.
func (f frame) records(fieldsPer int) [][]string {
	fields := strings.Split(f.Payload, "^")
	out := make([][]string, 0, f.Count)
	for i := 0; i+fieldsPer <= len(fields) && len(out) < f.Count; i += fieldsPer {
		out = append(out, fields[i:i+fieldsPer])
	}
	return out
}

// parseContract maps one H0STCNT0 record's 46 positional fields.
func parseContract(fields []string) (types.ContractTick, error) {
	if len(fields) < contractFieldCount {
		return types.ContractTick{}, fmt.Errorf("contract: %d fields, want %d", len(fields), contractFieldCount)
	}

	t := types.ContractTick{
		Code:             fields[0],
		Time:             fields[1],
		Price:            pfloat(fields[2]),
		ChangeSign:       fields[3],
		ChangeAmount:     pfloat(fields[4]),
		ChangeRate:       pfloat(fields[5]),
		WeightedAvgPrice: pfloat(fields[6]),
		Open:             pfloat(fields[7]),
		High:             pfloat(fields[8]),
		Low:              pfloat(fields[9]),
		BestAsk:          pfloat(fields[10]),
		BestBid:          pfloat(fields[11]),
		ContractVolume:   pint(fields[12]),
		AccVolume:        pint(fields[13]),
		SellContracts:    pint(fields[15]),
		BuyContracts:     pint(fields[16]),
		NetBuyContracts:  pint(fields[17]),
		ContractStrength: pfloat(fields[18]),
		BuyRatio:         pfloat(fields[22]),
		PrevVolumeRatio:  pfloat(fields[23]),
		MarketOpCode:     fields[34],
		TradingHalt:      fields[35] == "Y",
		TurnoverRate:     pfloat(fields[40]),
		PrevSameTimeVol:  pint(fields[41]),
		PrevSameTimeRate: pfloat(fields[42]),
		HourClsCode:      fields[43],
	}

	// Fields 38/39 carry the full-depth totals; fall back to 19/20.
	t.TotalAskQty = pint(fields[38])
	if t.TotalAskQty == 0 {
		t.TotalAskQty = pint(fields[19])
	}
	t.TotalBidQty = pint(fields[39])
	if t.TotalBidQty == 0 {
		t.TotalBidQty = pint(fields[20])
	}

	t.VIActive = t.HourClsCode == "51" || t.HourClsCode == "52" ||
		t.MarketOpCode == "30" || t.MarketOpCode == "31"
	if t.VIActive {
		t.VIStandardPrice = pfloat(fields[45])
	}
	return t, nil
}

// H0STASP0 layout: code, time, hour class, ask prices 1-10, bid prices
// 1-10, ask sizes 1-10, bid sizes 1-10, total ask, total bid.
const quoteFieldMin = 45

func parseQuote(fields []string) (types.QuoteTick, error) {
	if len(fields) < quoteFieldMin {
		return types.QuoteTick{}, fmt.Errorf("quote: %d fields, want ≥ %d", len(fields), quoteFieldMin)
	}

	q := types.QuoteTick{
		Code: fields[0],
		Time: fields[1],
	}
	for i := 0; i < 10; i++ {
		q.AskPrices[i] = pfloat(fields[3+i])
		q.BidPrices[i] = pfloat(fields[13+i])
		q.AskQtys[i] = pint(fields[23+i])
		q.BidQtys[i] = pint(fields[33+i])
	}
	q.TotalAskQty = pint(fields[43])
	q.TotalBidQty = pint(fields[44])
	return q, nil
}

// parseNotice maps an execution-notice record (decrypted H0STCNI0).
func parseNotice(fields []string) (types.ExecutionNotice, error) {
	if len(fields) < 23 {
		return types.ExecutionNotice{}, fmt.Errorf("notice: %d fields, want ≥ 23", len(fields))
	}

	n := types.ExecutionNotice{
		CustomerID: fields[0],
		AccountNo:  fields[1],
		OrderNo:    fields[2],
		OrigOrder:  fields[3],
		Side:       types.Side(fields[4]),
		StockCode:  fields[8],
		ExecQty:    pint(fields[9]),
		ExecPrice:  pfloat(fields[10]),
		ExecTime:   fields[11],
		RefusedYN:  fields[12],
		ExecYN:     fields[13],
		AcceptedYN: fields[14],
		BranchNo:   fields[15],
		OrdQty:     pint(fields[16]),
		OrdPrice:   pfloat(fields[22]),
	}
	return n, nil
}

// normalizeAESKey accepts base64- or hex-encoded key material and returns
// raw bytes of a valid AES length (16/24/32). Already-raw keys of a valid
// length pass through.
func normalizeAESKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty key material")
	}

	candidates := make([][]byte, 0, 3)
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		candidates = append(candidates, raw)
	}
	if raw, err := hex.DecodeString(s); err == nil {
		candidates = append(candidates, raw)
	}
	candidates = append(candidates, []byte(s))

	for _, c := range candidates {
		switch len(c) {
		case 16, 24, 32:
			return c, nil
		}
	}
	return nil, fmt.Errorf("key material %d chars does not normalize to 16/24/32 bytes", len(s))
}

// normalizeAESIV is like normalizeAESKey but for the 16-byte CBC IV.
func normalizeAESIV(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty iv material")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == aes.BlockSize {
		return raw, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == aes.BlockSize {
		return raw, nil
	}
	if len(s) == aes.BlockSize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("iv material %d chars does not normalize to %d bytes", len(s), aes.BlockSize)
}

// decryptPayload reverses the broker's base64 + AES-CBC + PKCS7 envelope.
func decryptPayload(payload string, key, iv []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decrypt: base64: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("decrypt: ciphertext length %d not a block multiple", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7: empty data")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("pkcs7: bad pad byte %d", pad)
	}
	if !bytes.Equal(data[len(data)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("pkcs7: inconsistent padding")
	}
	return data[:len(data)-pad], nil
}

// pfloat parses broker numeric fields; blanks and junk become 0.
func pfloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func pint(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
