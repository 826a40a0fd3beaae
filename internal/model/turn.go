// Package model 包含了应用的数据模型定义。
package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Mode 决定一次提问如何编排 solver 与 judge。
type Mode string

const (
	ModeSingle    Mode = "single"    // 单次调用
	ModeJudge     Mode = "judge"     // 多个 solver 并行，judge 统合
	ModeConsensus Mode = "consensus" // solver 结论一致时直接采用，否则交给 judge
)

// Valid 判断 Mode 是否为已知取值。
func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModeJudge, ModeConsensus:
		return true
	}
	return false
}

// ImageRef 描述一条消息附带的图片。
// 未启用对象存储时 Data 直接内联保存；启用 MinIO 后只保存 ObjectKey 与预签名 URL。
type ImageRef struct {
	MIMEType  string `json:"mimeType"`
	Size      int    `json:"size"`
	ObjectKey string `json:"objectKey,omitempty"`
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// SolverOutput 是单个 solver 的回答；Err 非空表示该 solver 调用失败。
type SolverOutput struct {
	Label string `json:"label"`
	Text  string `json:"text,omitempty"`
	Err   string `json:"error,omitempty"`
}

// OK 表示该 solver 给出了可用回答。
func (o SolverOutput) OK() bool {
	return o.Err == "" && o.Text != ""
}

// Turn 是会话历史中的一条消息，按插入顺序排列。
type Turn struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"` // "user" 或 "assistant"
	Content   string         `json:"content"`
	Image     *ImageRef      `json:"image,omitempty"`
	Details   string         `json:"details,omitempty"` // 思考过程：各 solver 的原始回答
	Mode      Mode           `json:"mode,omitempty"`
	Solvers   []SolverOutput `json:"solvers,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
