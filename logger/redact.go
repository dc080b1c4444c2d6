package logger

import (
	"regexp"
	"strings"
)

var (
	// 带前缀的API密钥 (sk-xxx / key_xxx)
	prefixedKeyPattern = regexp.MustCompile(`(sk-|key_)([A-Za-z0-9]{16,})`)
	// 64位hex私钥，可带0x前缀
	hexKeyPattern = regexp.MustCompile(`(0x)?([0-9a-fA-F]{64})`)
)

// RedactAPIKey 脱敏单个密钥，保持总长度不变
// 长度>8时保留前后各4位，中间全部打星；否则整串打星
func RedactAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// RedactSensitiveInfo 脱敏任意文本里的密钥
// 命中的密钥替换为 前缀+前4位+固定10个星+后4位，避免日志泄露凭证
func RedactSensitiveInfo(text string) string {
	if text == "" {
		return text
	}

	text = prefixedKeyPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := prefixedKeyPattern.FindStringSubmatch(match)
		prefix, body := sub[1], sub[2]
		return prefix + body[:4] + "**********" + body[len(body)-4:]
	})

	text = hexKeyPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := hexKeyPattern.FindStringSubmatch(match)
		prefix, body := sub[1], sub[2]
		return prefix + body[:4] + "**********" + body[len(body)-4:]
	})

	return text
}
