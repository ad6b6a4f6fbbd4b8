package workflow

import (
	"time"
)

type NodeType = string

const (
	NodeTypeText  NodeType = "text"
	NodeTypeDelay NodeType = "delay"
	NodeTypeHTTP  NodeType = "http"
)

// 节点配置的 key
const (
	nodeConfigKeyContent = "content"
	nodeConfigKeyMs      = "ms"
	nodeConfigKeyURL     = "url"
)

// Workflow 工作流entity, 对引擎只读
type Workflow struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	Nodes       []*Node // 按执行顺序排列
	CreatedAt   int64
	UpdatedAt   int64
}

// Node 工作流节点entity, Spec 是按类型区分的强类型配置
type Node struct {
	ID   string
	Type NodeType
	Spec NodeSpec
}

// NodeSpec 节点配置的 tagged union, 只有本包内的类型可以实现
type NodeSpec interface {
	nodeType() NodeType
}

// TextSpec 输出固定文本
type TextSpec struct {
	Content string
}

func (TextSpec) nodeType() NodeType { return NodeTypeText }

// DelaySpec 等待一段时间后输出 "done"
type DelaySpec struct {
	Duration time.Duration
}

func (DelaySpec) nodeType() NodeType { return NodeTypeDelay }

// HTTPSpec 发起 GET 请求, URL 为空时执行失败(MissingConfig)
type HTTPSpec struct {
	URL string
}

func (HTTPSpec) nodeType() NodeType { return NodeTypeHTTP }

// UnsupportedSpec 未知的节点类型, 执行时一定失败
type UnsupportedSpec struct {
	Type string
}

func (s UnsupportedSpec) nodeType() NodeType { return s.Type }

// DecodeNode 在存储边界把开放的配置包转成强类型节点
func DecodeNode(id string, nodeType string, config *ConfigBag) *Node {
	if config == nil {
		config = NewConfigBag(nil)
	}
	node := &Node{ID: id, Type: nodeType}
	switch nodeType {
	case NodeTypeText:
		content, _ := config.GetString(nodeConfigKeyContent)
		node.Spec = TextSpec{Content: content}
	case NodeTypeDelay:
		ms, ok := config.GetInt64(nodeConfigKeyMs)
		if !ok || ms < 0 {
			ms = 0
		}
		node.Spec = DelaySpec{Duration: time.Duration(ms) * time.Millisecond}
	case NodeTypeHTTP:
		url, _ := config.GetString(nodeConfigKeyURL)
		node.Spec = HTTPSpec{URL: url}
	default:
		node.Spec = UnsupportedSpec{Type: nodeType}
	}
	return node
}
