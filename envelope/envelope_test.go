package envelope_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/flowerr"
)

func TestNextPreservesTraceIdentity(t *testing.T) {
	deadline := time.Now().Add(time.Minute)
	root := envelope.New("trace-1", envelope.Headers{Tenant: "acme", Topic: "orders"}, envelope.Plain(1), deadline)

	child := root.Next(envelope.Plain(2))
	grandchild := child.Next(envelope.Plain(3))

	assert.Equal(t, "trace-1", child.TraceID)
	assert.Equal(t, "trace-1", grandchild.TraceID)
	assert.Equal(t, root.Headers, child.Headers)
	assert.Equal(t, root.Deadline, child.Deadline)
	assert.Equal(t, 1, child.Hops)
	assert.Equal(t, 2, grandchild.Hops)
}

func TestMetaCopyIsIsolated(t *testing.T) {
	root := envelope.New("t", envelope.Headers{}, envelope.Plain(nil), time.Time{})
	tagged := root.WithMeta("k", "v")

	require.Empty(t, root.Meta)
	require.Equal(t, "v", tagged.Meta["k"])

	tagged.Meta["k"] = "mutated"
	child := tagged.Next(envelope.Plain(nil))
	assert.Equal(t, "mutated", child.Meta["k"])
	child.Meta["k"] = "changed-on-child-only"
	assert.Equal(t, "mutated", tagged.Meta["k"])
}

func TestExpired(t *testing.T) {
	now := time.Now()
	withDeadline := envelope.New("t", envelope.Headers{}, envelope.Plain(nil), now.Add(-time.Second))
	assert.True(t, withDeadline.Expired(now))

	noDeadline := envelope.New("t", envelope.Headers{}, envelope.Plain(nil), time.Time{})
	assert.False(t, noDeadline.Expired(now))
}

func TestFlowErrorPayload(t *testing.T) {
	fe := flowerr.New(flowerr.Timeout, "trace-1", "node timed out")
	p := envelope.FlowError(fe)
	require.Equal(t, envelope.KindFlowError, p.Kind)
	assert.Equal(t, fe, p.Err)
}
