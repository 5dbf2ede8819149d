package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/MR-GREEN1337/wakil/agent"

type metrics struct {
	turns           metric.Int64Counter
	toolCalls       metric.Int64Counter
	ingestedVectors metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	turns, err := meter.Int64Counter("wakil.turns",
		metric.WithDescription("Number of conversation turns"),
	)
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("wakil.tool_calls",
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}

	ingested, err := meter.Int64Counter("wakil.ingested_vectors",
		metric.WithDescription("Number of vectors written during compilation"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{turns: turns, toolCalls: toolCalls, ingestedVectors: ingested}, nil
}

func (m *metrics) recordTurn(ctx context.Context, agentID string, err error) {
	m.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.Bool("success", err == nil),
	))
}

func (m *metrics) recordToolCall(ctx context.Context, tool string) {
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *metrics) recordIngested(ctx context.Context, nodeID string, n int) {
	m.ingestedVectors.Add(ctx, int64(n), metric.WithAttributes(attribute.String("node_id", nodeID)))
}
