package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch point lookups made by concurrent task recomputations into capped in-queries.
// A Loaders value caches for its whole lifetime, so create one per stage run or request.
type Loaders struct {
	batchLoader    *dataloader.Loader[string, *models.Batch]
	materialLoader *dataloader.Loader[string, *models.Material]
	taskLoader     *dataloader.Loader[string, *models.Task]
}

// NewLoaders instantiates data loaders backed by the store
func NewLoaders(r store.Reader) *Loaders {
	batchReader := &batchReader{r: r}
	materialReader := &materialReader{r: r}
	taskReader := &taskReader{r: r}

	return &Loaders{
		batchLoader: dataloader.NewBatchedLoader(batchReader.getBatches,
			dataloader.WithWait[string, *models.Batch](time.Millisecond),
			dataloader.WithBatchCapacity[string, *models.Batch](store.MaxInValues)),
		materialLoader: dataloader.NewBatchedLoader(materialReader.getMaterials,
			dataloader.WithWait[string, *models.Material](time.Millisecond),
			dataloader.WithBatchCapacity[string, *models.Material](store.MaxInValues)),
		taskLoader: dataloader.NewBatchedLoader(taskReader.getTasks,
			dataloader.WithWait[string, *models.Task](time.Millisecond),
			dataloader.WithBatchCapacity[string, *models.Task](store.MaxInValues)),
	}
}

func LoaderMiddleware(r store.Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithLoaders(c.Request.Context(), NewLoaders(r)))
		c.Next()
	}
}

func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

// For returns the loaders attached to ctx, or nil.
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(loadersKey).(*Loaders)
	return loaders
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders rows by the requested keys; missing keys resolve to nil.
func generateLoaderResults[T any](results []T, ids []string, idOf func(T) string) []*dataloader.Result[*T] {
	resultMap := make(map[string]*T, len(results))
	for i := range results {
		resultMap[idOf(results[i])] = &results[i]
	}
	loaderResults := make([]*dataloader.Result[*T], 0, len(ids))
	for _, id := range ids {
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: resultMap[id]})
	}
	return loaderResults
}
