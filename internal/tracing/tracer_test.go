package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewProviderDisabledIsNoop(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, provider.Enabled())

	// Spans from the noop tracer carry no recording context.
	_, span := provider.Tracer().Start(context.Background(), "task.run")
	assert.False(t, span.IsRecording())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter")
}

func TestNewProviderFileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestFileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	provider, err := NewProvider(Config{
		Enabled:    true,
		Exporter:   "file",
		FilePath:   path,
		SampleRate: 1.0,
	})
	require.NoError(t, err)

	ctx, span := provider.Tracer().Start(context.Background(), SpanPrefixTask+"run",
		trace.WithAttributes(attribute.String(AttrTaskID, "task-1")))
	_, child := provider.Tracer().Start(ctx, SpanPrefixStep+"consumer_A")
	child.End()
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var names []string
	var records []SpanRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		names = append(names, record.Name)
		records = append(records, record)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Contains(t, names, "task.run")
	assert.Contains(t, names, "step.consumer_A")

	for _, record := range records {
		if record.Name == "task.run" {
			assert.Equal(t, "task-1", record.Attributes[AttrTaskID])
			assert.Empty(t, record.ParentSpanID)
		} else {
			assert.NotEmpty(t, record.ParentSpanID)
		}
	}
}

func TestFileExporterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"existing\": true}\n"), 0o600))

	exporter, err := NewFileExporter(path)
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "existing")
}
