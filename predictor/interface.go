package predictor

import "context"

// Model 上涨概率模型接口
// 模型及其生命周期完全归外部协作方所有，引擎只消费概率流
type Model interface {
	// ProbUp 对单个特征向量给出下一根K线上涨的概率 [0,1]
	ProbUp(ctx context.Context, features []float64) (float64, error)
	// ProbUpBatch 批量推理，与输入顺序一一对应
	ProbUpBatch(ctx context.Context, rows [][]float64) ([]float64, error)
}
