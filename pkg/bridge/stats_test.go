package bridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsAccumulatePerDay(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte("0123456789")))
	_, _, err := b.Dequeue(ctx, Request, "c1", false)
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte("01234567890123456789")))
	require.NoError(t, b.Enqueue(ctx, Reply, "c1", []byte("01234")))

	today := statPrefix + ":" + time.Now().Format(statDateLayout)
	fields, err := st.GetAll(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, "2", fields["count:request"])
	assert.Equal(t, "30", fields["request"])
	assert.Equal(t, "1", fields["count:reply"])
	assert.Equal(t, "5", fields["reply"])

	// stat records never expire
	_, armed := st.TTL(today)
	assert.False(t, armed)
}

func TestStatsCSV(t *testing.T) {
	b, _ := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte("0123456789")))
	_, _, err := b.Dequeue(ctx, Request, "c1", false)
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte("01234567890123456789")))
	require.NoError(t, b.Enqueue(ctx, Reply, "c1", []byte("01234")))

	csv, err := b.StatsCSV(ctx)
	require.NoError(t, err)

	lines := strings.Split(csv, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "date,count(request),request bytes,count(reply),reply bytes", lines[0])
	today := time.Now().Format(statDateLayout)
	assert.Equal(t, today+",2,30,1,5", lines[1])
}

func TestStatsCSVRendersAbsentFieldsEmpty(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	// a day that only ever saw replies
	require.NoError(t, st.IncrementField(ctx, "stat:2023-03-31", "count:reply", 3))
	require.NoError(t, st.IncrementField(ctx, "stat:2023-03-31", "reply", 120))

	csv, err := b.StatsCSV(ctx)
	require.NoError(t, err)

	lines := strings.Split(csv, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2023-03-31,,,3,120", lines[1])
}

func TestStatsCSVSortedByDate(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, st.IncrementField(ctx, "stat:2023-04-02", "count:request", 1))
	require.NoError(t, st.IncrementField(ctx, "stat:2023-03-30", "count:request", 1))
	require.NoError(t, st.IncrementField(ctx, "stat:2023-04-01", "count:request", 1))

	csv, err := b.StatsCSV(ctx)
	require.NoError(t, err)

	lines := strings.Split(csv, "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "2023-03-30,"))
	assert.True(t, strings.HasPrefix(lines[2], "2023-04-01,"))
	assert.True(t, strings.HasPrefix(lines[3], "2023-04-02,"))
}

func TestStatsCSVEmptyStore(t *testing.T) {
	b, _ := testBridge(testConfig())

	csv, err := b.StatsCSV(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "date,count(request),request bytes,count(reply),reply bytes", csv)
}
