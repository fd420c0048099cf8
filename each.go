package bankcache

import "context"

// Each composes a sequence loader with a per-item transform into a
// LoaderFunc. It covers the "load many, map each" refresh shape without a
// second Load variant:
//
//	vms, err := c.Load(ctx, bank, "vms", bankcache.Each(listInstances, toVM))
func Each[T, U any](fn func(context.Context) ([]T, error), mapFn func(T) U) LoaderFunc[[]U] {
	return func(ctx context.Context) ([]U, error) {
		items, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]U, 0, len(items))
		for _, it := range items {
			out = append(out, mapFn(it))
		}
		return out, nil
	}
}
