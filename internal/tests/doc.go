// Package tests 是 flowrun 的端到端测试，只通过导出的 API 组装
// 分发、队列、消费者和引擎，覆盖单个包的测试看不到的交互。
//
// 运行测试：
//
//	go test ./internal/tests/...
package tests
