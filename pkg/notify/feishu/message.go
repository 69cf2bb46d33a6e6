package feishu

// Message 机器人消息
type Message interface {
	Type() string
	Content() any
}

// TextMessage 纯文本消息
type TextMessage struct {
	text string
}

// NewTextMessage 创建文本消息
func NewTextMessage(text string) *TextMessage {
	return &TextMessage{text: text}
}

func (m *TextMessage) Type() string { return "text" }

func (m *TextMessage) Content() any {
	return map[string]any{"text": m.text}
}

// PostMessage 富文本消息
type PostMessage struct {
	title   string
	content [][]MessageElement
}

// MessageElement 富文本元素
type MessageElement struct {
	Tag    string `json:"tag"`
	Text   string `json:"text,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Href   string `json:"href,omitempty"`
}

// NewPostMessage 创建富文本消息
func NewPostMessage(title string) *PostMessage {
	return &PostMessage{title: title}
}

// AddLine 添加一行
func (m *PostMessage) AddLine(elements ...MessageElement) *PostMessage {
	m.content = append(m.content, elements)
	return m
}

func (m *PostMessage) Type() string { return "post" }

func (m *PostMessage) Content() any {
	return map[string]any{
		"post": map[string]any{
			"zh_cn": map[string]any{
				"title":   m.title,
				"content": m.content,
			},
		},
	}
}

// Text 文本元素
func Text(text string) MessageElement {
	return MessageElement{Tag: "text", Text: text}
}

// At @ 用户
func At(userID string) MessageElement {
	return MessageElement{Tag: "at", UserID: userID}
}

// Link 链接元素
func Link(text, href string) MessageElement {
	return MessageElement{Tag: "a", Text: text, Href: href}
}
