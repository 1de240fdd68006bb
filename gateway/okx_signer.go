package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// WSVerifyPath WebSocket 登录签名使用的固定路径
const WSVerifyPath = "/users/self/verify"

// timeNow 便于测试替换
var timeNow = time.Now

// Signer OKX v5 API 签名：base64(HMAC-SHA256(secret, timestamp+method+path+body))
type Signer struct {
	apiKey     string
	secretKey  []byte
	passphrase string
}

func NewSigner(apiKey, secretKey, passphrase string) *Signer {
	return &Signer{
		apiKey:     apiKey,
		secretKey:  []byte(secretKey),
		passphrase: passphrase,
	}
}

// Sign 计算签名
func (s *Signer) Sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// LoginArgs 私有频道登录参数，timestamp 为 Unix 秒。
func (s *Signer) LoginArgs() LoginArgs {
	ts := strconv.FormatInt(timeNow().Unix(), 10)
	return LoginArgs{
		APIKey:     s.apiKey,
		Passphrase: s.passphrase,
		Timestamp:  ts,
		Sign:       s.Sign(ts, http.MethodGet, WSVerifyPath, ""),
	}
}

// SignRequest 为 REST 请求写入 OK-ACCESS-* 头，timestamp 为 ISO8601 毫秒。
func (s *Signer) SignRequest(req *http.Request, path, body string) {
	ts := timeNow().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", s.Sign(ts, req.Method, path, body))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
}

// Wipe 清除内存中的密钥
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.secretKey {
		s.secretKey[i] = 0
	}
}
