package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_KeepsNewestWithinCapacity(t *testing.T) {
	r := NewRecorder(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		r.Emit(ctx, New(EventReceived, fmt.Sprintf("event %d", i)))
	}

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "event 3", all[0].Detail)
	assert.Equal(t, "event 5", all[2].Detail)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 5, r.Total())
}

func TestRecorder_RecentBeforeWrap(t *testing.T) {
	r := NewRecorder(10)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		r.Emit(ctx, New(EventReceived, fmt.Sprintf("event %d", i)))
	}

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "event 3", recent[0].Detail)
	assert.Equal(t, "event 4", recent[1].Detail)
	assert.Len(t, r.Recent(0), 4)
}

func TestRecorder_DefaultCapacity(t *testing.T) {
	r := NewRecorder(0)
	ctx := context.Background()
	for i := 0; i < DefaultCapacity+25; i++ {
		r.Emit(ctx, New(EventReceived, "x"))
	}
	assert.Equal(t, DefaultCapacity, r.Len())
}

func TestRecorder_ConcurrentEmit(t *testing.T) {
	r := NewRecorder(50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				r.Emit(ctx, New(EventReceived, "x"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, r.Total())
	assert.Equal(t, 50, r.Len())
}

func TestEvent_WithCopiesData(t *testing.T) {
	base := New(TokenError, "rejected").With("reason", "invalid_grant")
	derived := base.With("birthDate", "1985-03-15")

	assert.Len(t, base.Data, 1)
	assert.Len(t, derived.Data, 2)
	assert.Equal(t, "invalid_grant", derived.Data["reason"])
}

func TestMultiAndScoped(t *testing.T) {
	a := NewRecorder(5)
	b := NewRecorder(5)
	sink := WithService("broker", Multi{a, nil, b})

	sink.Emit(context.Background(), New(TokenIssued, "issued"))

	require.Equal(t, 1, a.Len())
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "broker", a.All()[0].Service)
}

func TestLogSink_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	sink.Emit(context.Background(), New(DemographicMatchFailed, "no match").With("family", "Doe"))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "demographic-match-failed", line["event"])
	assert.Equal(t, "Doe", line["family"])
	assert.Equal(t, "no match", line["message"])
}
