// Package flowrun 是一个线性工作流的执行引擎。
//
// 工作流由有序的节点组成，每次执行（Run）按顺序执行节点，遇到第一个失败的节点就停止。
// 每个节点的执行结果作为一个步骤（Step）写入运行记录，执行过程中就可以查询到已完成的步骤。
//
// 主要特性：
//   - 内置节点：text 返回固定内容，delay 等待指定毫秒，http 发起 GET 请求
//   - 运行记录：基于 GORM 持久化，支持 SQLite、PostgreSQL
//   - 异步执行：运行优先投递到 Redis 队列，由 worker 消费；队列不可用时在进程内后台执行
//   - 幂等重试：同一个 runID 重新执行会清空之前的步骤，只保留最后一次执行的结果
//   - 并发控制：同一个 runID 同时只有一个执行，支持本地锁和分布式锁（Redis）
//
// 基础使用示例:
//
//	db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	_ = workflow.AutoMigrate(db)
//
//	workflowRepo := workflow.NewWorkflowRepo(db)
//	ledger := workflow.NewRunLedger(workflow.NewRunRepo(db))
//	engine := workflow.NewEngine(workflowRepo, ledger, workflow.NewNodeExecutor())
//
//	wf, _ := workflowRepo.CreateWorkflow(ctx, &workflow.CreateWorkflowReq{
//	    Name:    "hello",
//	    OwnerID: "u1",
//	    Nodes: []*workflow.CreateNodeReq{
//	        {ID: "greet", Type: workflow.NodeTypeText, Config: map[string]any{"content": "hi"}},
//	        {ID: "wait", Type: workflow.NodeTypeDelay, Config: map[string]any{"ms": 100}},
//	    },
//	})
//	run, _ := engine.Run(ctx, wf.ID, "u1", "")
//
// 命令行：
//
//	flowrun serve          # HTTP API，配置了队列时投递到队列
//	flowrun worker         # 消费队列中的运行
//	flowrun seed -f x.yaml # 从 YAML 文件创建工作流
//
// 完整的示例见 examples/with-sqlite。
package flowrun
