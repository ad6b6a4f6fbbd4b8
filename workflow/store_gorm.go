package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowPo struct {
	ID          string `gorm:"column:id;primaryKey;size:64" json:"id"`
	Name        string `gorm:"column:name" json:"name"`
	Description string `gorm:"column:description" json:"description"`
	OwnerID     string `gorm:"column:owner_id;index;size:64" json:"owner_id"`
	CreatedAt   int64  `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

func (WorkflowPo) TableName() string {
	return "flow_workflow"
}

type WorkflowNodePo struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowID string `gorm:"column:workflow_id;index;size:64"`
	NodeID     string `gorm:"column:node_id;size:64"`
	Position   int    `gorm:"column:position"`
	NodeType   string `gorm:"column:node_type"`
	Config     []byte `gorm:"column:config"` // 节点配置, 开放的 JSON 对象
}

func (WorkflowNodePo) TableName() string {
	return "flow_workflow_node"
}

type RunPo struct {
	ID         string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	WorkflowID string    `gorm:"column:workflow_id;index;size:64" json:"workflow_id"`
	OwnerID    string    `gorm:"column:owner_id;size:64" json:"owner_id"`
	Status     RunStatus `gorm:"column:status" json:"status"`
	Error      string    `gorm:"column:error" json:"error"`
	DurationMs int64     `gorm:"column:duration_ms" json:"duration_ms"`
	StartedAt  int64     `gorm:"column:started_at" json:"started_at"` // 本次执行尝试的开始时间, 毫秒
	CreatedAt  int64     `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt  int64     `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

func (RunPo) TableName() string {
	return "flow_run"
}

type RunStepPo struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RunID     string     `gorm:"column:run_id;index;size:64"`
	Seq       int        `gorm:"column:seq"`
	NodeID    string     `gorm:"column:node_id;size:64"`
	Status    StepStatus `gorm:"column:status"`
	Result    []byte     `gorm:"column:result"` // JSON 编码的输出, 只有 success 才有
	Error     string     `gorm:"column:error"`
	StartedAt int64      `gorm:"column:started_at"`
	EndedAt   int64      `gorm:"column:ended_at"`
}

func (RunStepPo) TableName() string {
	return "flow_run_step"
}

// AutoMigrate 创建所有需要的表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&WorkflowPo{}, &WorkflowNodePo{}, &RunPo{}, &RunStepPo{})
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryRunParams struct {
	RunID              *string  `json:"run_id"`
	WorkflowID         *string  `json:"workflow_id"`
	OwnerID            *string  `json:"owner_id"`
	StatusIn           []string `json:"status_in"`
	OrderbyCreatedDesc *bool    `json:"orderby_created_desc"`
	Page               *Pager   `json:"page" validate:"required"`
}

type QueryRunStepParams struct {
	RunID string `json:"run_id" validate:"required"`
	Page  *Pager `json:"page"`
}

type UpdateRunParams struct {
	Where  *UpdateRunWhere `json:"where" validate:"required"`
	Fields *UpdateRunField `json:"field" validate:"required"`
}

type UpdateRunWhere struct {
	IDIn     []string `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateRunField struct {
	Status     *string `json:"status"`
	Error      *string `json:"error"`
	DurationMs *int64  `json:"duration_ms"`
	StartedAt  *int64  `json:"started_at"`
	UpdatedAt  *int64  `json:"updated_at"` // 为空时取当前时间
}

type UpdateRunStepParams struct {
	Where  *UpdateRunStepWhere `json:"where" validate:"required"`
	Fields *UpdateRunStepField `json:"field" validate:"required"`
}

type UpdateRunStepWhere struct {
	IDIn []int64 `json:"id_in"`
}

type UpdateRunStepField struct {
	Status  *string `json:"status"`
	Result  []byte  `json:"result"`
	Error   *string `json:"error"`
	EndedAt *int64  `json:"ended_at"`
}

// CreateWorkflowReq 创建工作流, ID 为空时自动生成
type CreateWorkflowReq struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name" validate:"required"`
	Description string           `json:"description" yaml:"description"`
	OwnerID     string           `json:"owner_id" yaml:"owner" validate:"required"`
	Nodes       []*CreateNodeReq `json:"nodes" yaml:"nodes" validate:"dive,required"`
}

// CreateNodeReq 节点定义, ID 为空时自动生成, 创建后不再变化
type CreateNodeReq struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type" validate:"required"`
	Config map[string]any `json:"config" yaml:"config"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{db: db}
}

func (r *workflowRepo) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	if workflowID == "" {
		return nil, errors.WithMessage(ErrWorkflowNotFound, "empty workflowID")
	}
	pos := make([]*WorkflowPo, 0)
	if err := r.db.WithContext(ctx).Where("id = ?", workflowID).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "GetWorkflow failed, workflowID: %s", workflowID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowNotFound, "workflowID: %s", workflowID)
	}
	nodes, err := r.queryNodes(ctx, []string{workflowID})
	if err != nil {
		return nil, err
	}
	return assemblyWorkflow(pos[0], nodes[workflowID]), nil
}

func (r *workflowRepo) ListWorkflows(ctx context.Context, ownerID string) ([]*Workflow, error) {
	pos := make([]*WorkflowPo, 0)
	db := r.db.WithContext(ctx).Model(&WorkflowPo{})
	if ownerID != "" {
		db = db.Where("owner_id = ?", ownerID)
	}
	if err := db.Order("created_at desc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "ListWorkflows failed")
	}
	ids := make([]string, 0, len(pos))
	for _, po := range pos {
		ids = append(ids, po.ID)
	}
	nodes, err := r.queryNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	ret := make([]*Workflow, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, assemblyWorkflow(po, nodes[po.ID]))
	}
	return ret, nil
}

func (r *workflowRepo) CreateWorkflow(ctx context.Context, req *CreateWorkflowReq) (*Workflow, error) {
	if req == nil {
		return nil, errors.New("nil CreateWorkflowReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "CreateWorkflow failed, err: %v", err)
	}
	workflowID := req.ID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	nodePos := make([]*WorkflowNodePo, 0, len(req.Nodes))
	seen := make(map[string]struct{}, len(req.Nodes))
	for i, node := range req.Nodes {
		nodeID := node.ID
		if nodeID == "" {
			nodeID = uuid.New().String()
		}
		if _, ok := seen[nodeID]; ok {
			return nil, errors.WithMessagef(ErrDuplicateNodeID, "workflowID: %s, nodeID: %s", workflowID, nodeID)
		}
		seen[nodeID] = struct{}{}
		config, err := NewConfigBagFromMap(node.Config).ToBytes()
		if err != nil {
			return nil, errors.Wrapf(ErrWorkflowParamInvalid, "marshal node config failed, workflowID: %s, nodeID: %s, err: %v", workflowID, nodeID, err)
		}
		nodePos = append(nodePos, &WorkflowNodePo{
			WorkflowID: workflowID,
			NodeID:     nodeID,
			Position:   i,
			NodeType:   node.Type,
			Config:     config,
		})
	}

	po := &WorkflowPo{
		ID:          workflowID,
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&WorkflowPo{}).Where("id = ?", workflowID).Count(&count).Error; err != nil {
			return errors.WithMessage(err, "count workflow failed")
		}
		if count > 0 {
			return errors.WithMessagef(ErrWorkflowAlreadyExists, "workflowID: %s", workflowID)
		}
		if err := tx.Create(po).Error; err != nil {
			return errors.WithMessage(err, "create workflow failed")
		}
		if len(nodePos) > 0 {
			if err := tx.Create(&nodePos).Error; err != nil {
				return errors.WithMessage(err, "create workflow nodes failed")
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateWorkflow failed, workflowID: %s", workflowID)
	}
	return assemblyWorkflow(po, nodePos), nil
}

func (r *workflowRepo) queryNodes(ctx context.Context, workflowIDs []string) (map[string][]*WorkflowNodePo, error) {
	ret := make(map[string][]*WorkflowNodePo)
	if len(workflowIDs) == 0 {
		return ret, nil
	}
	pos := make([]*WorkflowNodePo, 0)
	err := r.db.WithContext(ctx).
		Where("workflow_id IN ?", workflowIDs).
		Order("workflow_id asc").
		Order("position asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "query workflow nodes failed")
	}
	for _, po := range pos {
		ret[po.WorkflowID] = append(ret[po.WorkflowID], po)
	}
	return ret, nil
}

func assemblyWorkflow(po *WorkflowPo, nodePos []*WorkflowNodePo) *Workflow {
	wf := &Workflow{
		ID:          po.ID,
		Name:        po.Name,
		Description: po.Description,
		OwnerID:     po.OwnerID,
		Nodes:       make([]*Node, 0, len(nodePos)),
		CreatedAt:   po.CreatedAt,
		UpdatedAt:   po.UpdatedAt,
	}
	for _, nodePo := range nodePos {
		wf.Nodes = append(wf.Nodes, DecodeNode(nodePo.NodeID, nodePo.NodeType, NewConfigBag(nodePo.Config)))
	}
	return wf
}

type runRepo struct {
	db *gorm.DB
}

func NewRunRepo(db *gorm.DB) RunRepo {
	return &runRepo{db: db}
}

func (r *runRepo) CreateRun(ctx context.Context, run *RunPo) (*RunPo, error) {
	if run == nil {
		return nil, errors.New("nil RunPo")
	}
	now := time.Now().UnixMilli()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	if run.StartedAt == 0 {
		run.StartedAt = run.CreatedAt
	}
	if err := r.GetDBWithContext(ctx).Create(run).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateRun failed")
	}
	return run, nil
}

func buildQueryRunParams(db *gorm.DB, param *QueryRunParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryRunParams")
	}
	if param.RunID != nil {
		db = db.Where("id = ?", *param.RunID)
	}
	if param.WorkflowID != nil {
		db = db.Where("workflow_id = ?", *param.WorkflowID)
	}
	if param.OwnerID != nil {
		db = db.Where("owner_id = ?", *param.OwnerID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.OrderbyCreatedDesc != nil {
		if *param.OrderbyCreatedDesc {
			db = db.Order("created_at desc").Order("id desc")
		} else {
			db = db.Order("created_at asc").Order("id asc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *runRepo) QueryRun(ctx context.Context, param *QueryRunParams) ([]*RunPo, error) {
	db := r.GetDBWithContext(ctx).Model(&RunPo{})
	db, err := buildQueryRunParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryRunParams failed")
	}
	pos := make([]*RunPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryRun failed")
	}
	return pos, nil
}

func buildUpdateRunParams(db *gorm.DB, param *UpdateRunParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil UpdateRunParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	// 必须带 id 条件, 防止全表更新
	if len(param.Where.IDIn) == 0 {
		return nil, errors.New("update run need id condition")
	}
	db = db.Where("id IN ?", param.Where.IDIn)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	return db, nil
}

func buildUpdateRunFields(fields *UpdateRunField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Error != nil {
		updateFields["error"] = *fields.Error
	}
	if fields.DurationMs != nil {
		updateFields["duration_ms"] = *fields.DurationMs
	}
	if fields.StartedAt != nil {
		updateFields["started_at"] = *fields.StartedAt
	}
	if fields.UpdatedAt != nil {
		updateFields["updated_at"] = *fields.UpdatedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	if _, ok := updateFields["updated_at"]; !ok {
		updateFields["updated_at"] = time.Now().UnixMilli()
	}
	return updateFields, nil
}

func (r *runRepo) UpdateRun(ctx context.Context, param *UpdateRunParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&RunPo{})
	db, err := buildUpdateRunParams(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateRunParams failed")
	}
	updateFields, err := buildUpdateRunFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateRunFields failed")
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "UpdateRun failed")
	}
	return result.RowsAffected, nil
}

func (r *runRepo) CreateRunStep(ctx context.Context, step *RunStepPo) (*RunStepPo, error) {
	if step == nil {
		return nil, errors.New("nil RunStepPo")
	}
	if err := r.GetDBWithContext(ctx).Create(step).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateRunStep failed")
	}
	return step, nil
}

func (r *runRepo) QueryRunStep(ctx context.Context, param *QueryRunStepParams) ([]*RunStepPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryRunStepParams")
	}
	db := r.GetDBWithContext(ctx).Model(&RunStepPo{}).Where("run_id = ?", param.RunID).Order("seq asc")
	if param.Page != nil {
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 100
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	pos := make([]*RunStepPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryRunStep failed")
	}
	return pos, nil
}

func buildUpdateRunStepFields(fields *UpdateRunStepField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Result != nil {
		updateFields["result"] = fields.Result
	}
	if fields.Error != nil {
		updateFields["error"] = *fields.Error
	}
	if fields.EndedAt != nil {
		updateFields["ended_at"] = *fields.EndedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	return updateFields, nil
}

func (r *runRepo) UpdateRunStep(ctx context.Context, param *UpdateRunStepParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return errors.New("nil UpdateRunStepParams")
	}
	if len(param.Where.IDIn) == 0 {
		return errors.New("update run step need id condition")
	}
	updateFields, err := buildUpdateRunStepFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateRunStepFields failed")
	}
	err = r.GetDBWithContext(ctx).Model(&RunStepPo{}).Where("id IN ?", param.Where.IDIn).Updates(updateFields).Error
	if err != nil {
		return errors.WithMessage(err, "UpdateRunStep failed")
	}
	return nil
}

func (r *runRepo) DeleteRunStep(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("empty runID")
	}
	if err := r.GetDBWithContext(ctx).Where("run_id = ?", runID).Delete(&RunStepPo{}).Error; err != nil {
		return errors.WithMessagef(err, "DeleteRunStep failed, runID: %s", runID)
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *runRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

// Transaction 支持嵌套, 已经在事务中时直接复用
func (r *runRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
