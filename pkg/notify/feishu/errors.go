package feishu

import "errors"

var (
	// ErrWebhook 机器人地址无法送达
	ErrWebhook = errors.New("feishu: webhook unreachable")
	// ErrBadResponse 机器人应答无法解析
	ErrBadResponse = errors.New("feishu: unreadable bot response")
	// ErrRejected 机器人拒收消息（签名错误、关键词不匹配等）
	ErrRejected = errors.New("feishu: message rejected by bot")
)
