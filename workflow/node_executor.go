package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const delayNodeOutput = "done"

// MissingConfigError 节点缺少必需的配置
type MissingConfigError struct {
	NodeType NodeType
	Key      string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("%s node requires config.%s", e.NodeType, e.Key)
}

// HTTPStatusError 响应码不在 2xx 范围
type HTTPStatusError struct {
	StatusCode int
	StatusText string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.StatusText)
}

// UnsupportedNodeTypeError 未知的节点类型
type UnsupportedNodeTypeError struct {
	Type string
}

func (e *UnsupportedNodeTypeError) Error() string {
	return fmt.Sprintf("Unsupported node type: %s", e.Type)
}

// NodeExecutor 节点执行器, 把一个节点映射为输出或者错误, 不访问运行记录
type NodeExecutor interface {
	Execute(ctx context.Context, node *Node) (any, error)
}

type NodeExecutorOption func(*nodeExecutor)

// WithHTTPTimeout 设置 http 节点的超时时间, <=0 表示不限制
func WithHTTPTimeout(timeout time.Duration) NodeExecutorOption {
	return func(e *nodeExecutor) {
		if timeout > 0 {
			e.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

type nodeExecutor struct {
	httpClient *http.Client
}

func NewNodeExecutor(opts ...NodeExecutorOption) NodeExecutor {
	e := &nodeExecutor{httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *nodeExecutor) Execute(ctx context.Context, node *Node) (any, error) {
	if node == nil {
		return nil, errors.New("node is nil")
	}
	switch spec := node.Spec.(type) {
	case TextSpec:
		return spec.Content, nil
	case DelaySpec:
		return e.executeDelay(ctx, spec)
	case HTTPSpec:
		return e.executeHTTP(ctx, spec)
	case UnsupportedSpec:
		return nil, &UnsupportedNodeTypeError{Type: spec.Type}
	default:
		// Spec 为空时按未知类型处理
		return nil, &UnsupportedNodeTypeError{Type: node.Type}
	}
}

func (e *nodeExecutor) executeDelay(ctx context.Context, spec DelaySpec) (any, error) {
	if spec.Duration <= 0 {
		return delayNodeOutput, nil
	}
	timer := time.NewTimer(spec.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delayNodeOutput, nil
	case <-ctx.Done():
		return nil, errors.WithMessage(ctx.Err(), "delay interrupted")
	}
}

func (e *nodeExecutor) executeHTTP(ctx context.Context, spec HTTPSpec) (any, error) {
	if spec.URL == "" {
		return nil, &MissingConfigError{NodeType: NodeTypeHTTP, Key: nodeConfigKeyURL}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 丢弃 body, 让连接可以复用
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, StatusText: statusText(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "read response body failed")
	}
	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		return string(body), nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.WithMessage(err, "decode json response failed")
	}
	return out, nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
