package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
)

type batchReader struct {
	r store.Reader
}

func (b *batchReader) getBatches(ctx context.Context, ids []string) []*dataloader.Result[*models.Batch] {
	results, err := store.QueryInChunks(ctx, ids, b.r.BatchesByIDs)
	if err != nil {
		return handleError[*models.Batch](len(ids), err)
	}
	return generateLoaderResults(results, ids, func(v models.Batch) string { return v.ID })
}

func GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	loaders := For(ctx)
	return loaders.batchLoader.Load(ctx, id)()
}

func GetBatches(ctx context.Context, ids []string) ([]*models.Batch, []error) {
	loaders := For(ctx)
	return loaders.batchLoader.LoadMany(ctx, ids)()
}

type materialReader struct {
	r store.Reader
}

func (m *materialReader) getMaterials(ctx context.Context, ids []string) []*dataloader.Result[*models.Material] {
	results, err := store.QueryInChunks(ctx, ids, m.r.MaterialsByIDs)
	if err != nil {
		return handleError[*models.Material](len(ids), err)
	}
	return generateLoaderResults(results, ids, func(v models.Material) string { return v.ID })
}

func GetMaterial(ctx context.Context, id string) (*models.Material, error) {
	loaders := For(ctx)
	return loaders.materialLoader.Load(ctx, id)()
}

func GetMaterials(ctx context.Context, ids []string) ([]*models.Material, []error) {
	loaders := For(ctx)
	return loaders.materialLoader.LoadMany(ctx, ids)()
}

type taskReader struct {
	r store.Reader
}

func (t *taskReader) getTasks(ctx context.Context, ids []string) []*dataloader.Result[*models.Task] {
	results, err := store.QueryInChunks(ctx, ids, t.r.TasksByIDs)
	if err != nil {
		return handleError[*models.Task](len(ids), err)
	}
	return generateLoaderResults(results, ids, func(v models.Task) string { return v.ID })
}

func GetTask(ctx context.Context, id string) (*models.Task, error) {
	loaders := For(ctx)
	return loaders.taskLoader.Load(ctx, id)()
}

// LoadBatchMap resolves ids through the batch loader and drops missing rows.
func LoadBatchMap(ctx context.Context, ids []string) (map[string]models.Batch, error) {
	out := make(map[string]models.Batch, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, errs := GetBatches(ctx, ids)
	for i, row := range rows {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		if row != nil {
			out[row.ID] = *row
		}
	}
	return out, nil
}

func LoadMaterialMap(ctx context.Context, ids []string) (map[string]models.Material, error) {
	out := make(map[string]models.Material, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, errs := GetMaterials(ctx, ids)
	for i, row := range rows {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		if row != nil {
			out[row.ID] = *row
		}
	}
	return out, nil
}
