// pkg/stream/indicators.go
package stream

import (
	"context"

	"go.uber.org/zap"
)

// GetAvailableIndicators lists the standard indicators usable with
// GetCandles as a one-shot envelope whose data is a []pine.Indicator.
func (s *Streamer) GetAvailableIndicators(ctx context.Context) Response {
	ctx, span := tracer.Start(ctx, "GetAvailableIndicators")
	defer span.End()

	list, err := s.pine.ListAvailable(ctx)
	if err != nil {
		span.RecordError(err)
		s.log.Error("indicator listing failed", zap.Error(err))
		return errorResponse(err, map[string]interface{}{"source": "pine-facade"})
	}
	return successResponse(list, map[string]interface{}{
		"source": "pine-facade",
		"count":  len(list),
	})
}

// SearchIndicators finds public indicators matching the query by script name
// or author, shaped as a one-shot envelope.
func (s *Streamer) SearchIndicators(ctx context.Context, query string) Response {
	ctx, span := tracer.Start(ctx, "SearchIndicators")
	defer span.End()

	results, err := s.pine.Search(ctx, query)
	if err != nil {
		span.RecordError(err)
		s.log.Error("indicator search failed", zap.String("query", query), zap.Error(err))
		return errorResponse(err, map[string]interface{}{"query": query})
	}
	return successResponse(results, map[string]interface{}{
		"query": query,
		"count": len(results),
	})
}
