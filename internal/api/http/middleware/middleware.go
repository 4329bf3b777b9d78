// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"
)

// SignatureHeader CI webhook 签名头；值为 body 的 HMAC-SHA256 十六进制
const SignatureHeader = "X-Remedy-Signature"

// RateLimit 全局令牌桶限流；rps<=0 时为直通
func RateLimit(rps int) app.HandlerFunc {
	if rps <= 0 {
		return func(ctx context.Context, c *app.RequestContext) { c.Next(ctx) }
	}
	limiter := rate.NewLimiter(rate.Limit(rps), rps)
	return func(ctx context.Context, c *app.RequestContext) {
		if !limiter.Allow() {
			c.JSON(consts.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}

// VerifySignature webhook HMAC 校验；secret 为空时跳过
func VerifySignature(secret string) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if secret == "" {
			c.Next(ctx)
			return
		}
		sig := string(c.GetHeader(SignatureHeader))
		if sig == "" || !ValidSignature(secret, c.Request.Body(), sig) {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}

// ValidSignature 常数时间比较签名
func ValidSignature(secret string, body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Sign 计算 body 签名（CLI 与测试复用）
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
