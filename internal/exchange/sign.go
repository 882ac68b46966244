package exchange

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"

	"github.com/jxskiss/base62"
)

// 签名协议（REST 与 WebSocket 鉴权共用，必须逐位可复现）：
//
//	digest    = SHA256(nonce ∥ timestamp ∥ apiKey ∥ canonicalQuery ∥ body)
//	signature = SHA256(digest ∥ secretKey)
//
// 两级哈希均为小写十六进制；canonicalQuery 为按键名ASCII升序排列、
// 键值直接拼接（无 '='、'&' 等分隔符）的参数串。

// Sign 计算请求签名。
func Sign(nonce, timestamp, apiKey, canonicalQuery, body, secretKey string) string {
	digest := sha256Hex(nonce + timestamp + apiKey + canonicalQuery + body)
	return sha256Hex(digest + secretKey)
}

// CanonicalQuery 将请求参数归一化为待签名串。
func CanonicalQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		for _, v := range params[k] {
			out = append(out, k...)
			out = append(out, v...)
		}
	}
	return string(out)
}

// NewNonce 生成一次性随机数：16字节随机数据的base62编码。
func NewNonce() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand 不可用时进程已不可信任，直接panic
		panic(err)
	}
	return base62.EncodeToString(buf[:])
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
